package store

import (
	"context"
	"fmt"

	"github.com/stevemurr/bionexo-migrate/document"
)

// ReplaceError reports a replacement whose insert failed after the original
// was deleted.
type ReplaceError struct {
	Collection string
	Key        string
	Err        error
	// RollbackErr is nil when the original document was put back.
	RollbackErr error
}

func (e *ReplaceError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("replace %s key %s: insert failed (%v) and original could not be restored: %v",
			e.Collection, e.Key, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("replace %s key %s: insert failed, original restored: %v", e.Collection, e.Key, e.Err)
}

func (e *ReplaceError) Unwrap() error {
	return e.Err
}

// Restored reports whether the original document is back in place.
func (e *ReplaceError) Restored() bool {
	return e.RollbackErr == nil
}

// Replace updates a document in a collection that forbids in-place updates:
// the merged document (original ∪ delta) is fully built first, then the
// original is deleted by key and the merged document inserted under the same
// key.
//
// This is not atomic. Between the delete and the insert the document is
// invisible to readers; if the insert fails the original is re-inserted and
// a *ReplaceError reports whether that succeeded.
func Replace(ctx context.Context, s Store, collection string, original, delta *document.Document) (*document.Document, error) {
	id, ok := original.ID()
	if !ok {
		return nil, fmt.Errorf("replace %s: %w", collection, ErrMissingKey)
	}
	merged := original.Merge(delta)

	deleted, err := s.DeleteOne(ctx, collection, id)
	if err != nil {
		return nil, fmt.Errorf("replace %s key %s: delete: %w", collection, document.KeyString(id), err)
	}
	if !deleted {
		// Someone else removed it; inserting now would resurrect it.
		return nil, fmt.Errorf("replace %s key %s: %w", collection, document.KeyString(id), ErrDocumentNotFound)
	}
	if err := s.Insert(ctx, collection, merged); err != nil {
		rerr := &ReplaceError{Collection: collection, Key: document.KeyString(id), Err: err}
		rerr.RollbackErr = s.Insert(ctx, collection, original.Clone())
		return nil, rerr
	}
	return merged, nil
}

// Apply persists delta onto original using the strategy the collection's
// storage kind allows: Update for regular collections, Replace for
// time-series ones.
func Apply(ctx context.Context, s Store, info CollectionInfo, original, delta *document.Document) error {
	if info.Kind == KindTimeSeries {
		_, err := Replace(ctx, s, info.Name, original, delta)
		return err
	}
	id, ok := original.ID()
	if !ok {
		return fmt.Errorf("update %s: %w", info.Name, ErrMissingKey)
	}
	return s.Update(ctx, info.Name, id, delta)
}
