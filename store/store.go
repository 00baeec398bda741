// Package store defines the document store boundary and its backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stevemurr/bionexo-migrate/document"
)

var (
	// ErrCollectionNotFound is returned when a named collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrCollectionExists is returned by CreateCollection for an existing name.
	ErrCollectionExists = errors.New("collection already exists")
	// ErrImmutable is returned when updating a document in place is not
	// permitted by the collection's storage kind.
	ErrImmutable = errors.New("in-place update not supported by time-series collection")
	// ErrDuplicateKey is returned when inserting a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrMissingTimeField is returned when a time-series insert lacks a date
	// in the collection's time field.
	ErrMissingTimeField = errors.New("time-series document requires a date in its time field")
	// ErrDocumentNotFound is returned by Update when no document has the key.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrMissingKey is returned when an operation needs a document key.
	ErrMissingKey = errors.New("document has no _id")
)

// Kind is the storage model of a collection.
type Kind string

const (
	// KindRegular collections accept arbitrary in-place updates.
	KindRegular Kind = "regular"
	// KindTimeSeries collections are partitioned-append: optimized for range
	// reads over a time field, with no in-place mutation.
	KindTimeSeries Kind = "timeseries"
)

// TimeSeriesOptions describes a partitioned-append collection.
type TimeSeriesOptions struct {
	TimeField   string `json:"timeField" yaml:"time_field"`
	MetaField   string `json:"metaField,omitempty" yaml:"meta_field"`
	Granularity string `json:"granularity,omitempty" yaml:"granularity"`
}

// CollectionOptions are passed to CreateCollection. A nil TimeSeries creates
// a regular collection.
type CollectionOptions struct {
	TimeSeries *TimeSeriesOptions `json:"timeseries,omitempty"`
}

// Kind returns the storage model the options select.
func (o CollectionOptions) Kind() Kind {
	if o.TimeSeries != nil {
		return KindTimeSeries
	}
	return KindRegular
}

// CollectionInfo is the metadata needed to pick a migration strategy.
type CollectionInfo struct {
	Name    string            `json:"name"`
	Kind    Kind              `json:"kind"`
	Options CollectionOptions `json:"options"`
}

// Store is the interface that all backing stores must implement.
// It operates on named collections, where each collection holds documents
// keyed by their _id.
type Store interface {
	// Find streams documents matching filter to fn, reading at most
	// batchSize documents per round trip. Returning an error from fn stops
	// the scan and is returned as is. Order is unspecified.
	Find(ctx context.Context, collection string, filter document.Filter, batchSize int, fn func(*document.Document) error) error

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, collection string, filter document.Filter) (int64, error)

	// Get returns a single document by key, or nil if not found.
	Get(ctx context.Context, collection string, id any) (*document.Document, error)

	// Insert adds a document. Documents without _id get a fresh one.
	Insert(ctx context.Context, collection string, doc *document.Document) error

	// InsertMany adds documents in order, stopping at the first failure.
	InsertMany(ctx context.Context, collection string, docs []*document.Document) error

	// Update sets fields on an existing document in place. Time-series
	// collections return ErrImmutable.
	Update(ctx context.Context, collection string, id any, set *document.Document) error

	// DeleteOne removes a document by key. Returns true if it existed.
	DeleteOne(ctx context.Context, collection string, id any) (bool, error)

	// DropCollection removes a collection and its documents. Dropping a
	// missing collection is not an error.
	DropCollection(ctx context.Context, name string) error

	// CreateCollection creates an empty collection with the given storage
	// options. Returns ErrCollectionExists if the name is taken.
	CreateCollection(ctx context.Context, name string, opts CollectionOptions) error

	// ListCollectionNames returns the names of all collections, sorted.
	ListCollectionNames(ctx context.Context) ([]string, error)

	// CollectionInfo returns the storage metadata of a collection, or
	// ErrCollectionNotFound.
	CollectionInfo(ctx context.Context, name string) (CollectionInfo, error)

	// Close releases the backend's resources.
	Close() error
}

// HasCollection reports whether name exists in s.
func HasCollection(ctx context.Context, s Store, name string) (bool, error) {
	names, err := s.ListCollectionNames(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// ensureID gives doc a fresh key if it has none and returns the key.
func ensureID(doc *document.Document) any {
	if id, ok := doc.ID(); ok && id != nil {
		return id
	}
	id := document.NewID()
	doc.Set(document.IDField, id)
	return id
}

// checkTimeField enforces the time-series insert contract shared by the
// local backends.
func checkTimeField(opts CollectionOptions, doc *document.Document) error {
	if opts.TimeSeries == nil {
		return nil
	}
	v, ok := doc.Get(opts.TimeSeries.TimeField)
	if !ok {
		return ErrMissingTimeField
	}
	if _, isTime := v.(time.Time); !isTime {
		return ErrMissingTimeField
	}
	return nil
}
