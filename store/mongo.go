package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stevemurr/bionexo-migrate/document"
)

// MongoStore talks to a MongoDB deployment. Time-series detection reads the
// timeseries option block that listCollections reports.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to uri and selects database.
func NewMongoStore(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo: connection uri is required")
	}
	opts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		opts.SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Find(ctx context.Context, collection string, filter document.Filter, batchSize int, fn func(*document.Document) error) error {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	cur, err := s.db.Collection(collection).Find(ctx, filter.BSON(),
		options.Find().SetBatchSize(int32(batchSize)))
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		doc, err := document.FromRaw(cur.Current)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return cur.Err()
}

func (s *MongoStore) Count(ctx context.Context, collection string, filter document.Filter) (int64, error) {
	return s.db.Collection(collection).CountDocuments(ctx, filter.BSON())
}

func (s *MongoStore) Get(ctx context.Context, collection string, id any) (*document.Document, error) {
	raw, err := s.db.Collection(collection).FindOne(ctx, idFilter(id)).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return document.FromRaw(raw)
}

func (s *MongoStore) Insert(ctx context.Context, collection string, doc *document.Document) error {
	ensureID(doc)
	_, err := s.db.Collection(collection).InsertOne(ctx, doc.ToBSON())
	return mongoErr(collection, err)
}

func (s *MongoStore) InsertMany(ctx context.Context, collection string, docs []*document.Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]any, len(docs))
	for i, doc := range docs {
		ensureID(doc)
		batch[i] = doc.ToBSON()
	}
	_, err := s.db.Collection(collection).InsertMany(ctx, batch, options.InsertMany().SetOrdered(true))
	return mongoErr(collection, err)
}

func (s *MongoStore) Update(ctx context.Context, collection string, id any, set *document.Document) error {
	info, err := s.CollectionInfo(ctx, collection)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if info.Kind == KindTimeSeries {
		return fmt.Errorf("update %s: %w", collection, ErrImmutable)
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, idFilter(id),
		bson.D{{Key: "$set", Value: set.ToBSON()}})
	if err != nil {
		return mongoErr(collection, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update %s key %s: %w", collection, document.KeyString(id), ErrDocumentNotFound)
	}
	return nil
}

func (s *MongoStore) DeleteOne(ctx context.Context, collection string, id any) (bool, error) {
	res, err := s.db.Collection(collection).DeleteOne(ctx, idFilter(id))
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) DropCollection(ctx context.Context, name string) error {
	return s.db.Collection(name).Drop(ctx)
}

func (s *MongoStore) CreateCollection(ctx context.Context, name string, opts CollectionOptions) error {
	create := options.CreateCollection()
	if ts := opts.TimeSeries; ts != nil {
		tso := options.TimeSeries().SetTimeField(ts.TimeField)
		if ts.MetaField != "" {
			tso.SetMetaField(ts.MetaField)
		}
		if ts.Granularity != "" {
			tso.SetGranularity(ts.Granularity)
		}
		create.SetTimeSeriesOptions(tso)
	}
	err := s.db.CreateCollection(ctx, name, create)
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Name == "NamespaceExists" {
		return fmt.Errorf("create %s: %w", name, ErrCollectionExists)
	}
	return err
}

func (s *MongoStore) ListCollectionNames(ctx context.Context) ([]string, error) {
	all, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	// Time-series collections are backed by system.buckets.* namespaces.
	names := all[:0]
	for _, n := range all {
		if !strings.HasPrefix(n, "system.") {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// CollectionInfo reads listCollections. Views and the internal
// system.buckets collections are reported as regular.
func (s *MongoStore) CollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	specs, err := s.db.ListCollectionSpecifications(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return CollectionInfo{}, err
	}
	if len(specs) == 0 {
		return CollectionInfo{}, fmt.Errorf("%s: %w", name, ErrCollectionNotFound)
	}
	info := CollectionInfo{Name: name, Kind: KindRegular}
	if ts := timeSeriesOptions(specs[0].Options); ts != nil {
		info.Kind = KindTimeSeries
		info.Options.TimeSeries = ts
	}
	return info, nil
}

func timeSeriesOptions(raw bson.Raw) *TimeSeriesOptions {
	if len(raw) == 0 {
		return nil
	}
	val, err := raw.LookupErr("timeseries")
	if err != nil {
		return nil
	}
	block, ok := val.DocumentOK()
	if !ok {
		return nil
	}
	ts := &TimeSeriesOptions{}
	if v, err := block.LookupErr("timeField"); err == nil {
		ts.TimeField, _ = v.StringValueOK()
	}
	if v, err := block.LookupErr("metaField"); err == nil {
		ts.MetaField, _ = v.StringValueOK()
	}
	if v, err := block.LookupErr("granularity"); err == nil {
		ts.Granularity, _ = v.StringValueOK()
	}
	return ts
}

func idFilter(id any) bson.D {
	v := document.Normalize(id)
	if d, ok := v.(*document.Document); ok {
		v = d.ToBSON()
	}
	return bson.D{{Key: document.IDField, Value: v}}
}

func mongoErr(collection string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert %s: %w: %v", collection, ErrDuplicateKey, err)
	}
	if strings.Contains(err.Error(), "valid BSON UTC datetime") {
		return fmt.Errorf("insert %s: %w: %v", collection, ErrMissingTimeField, err)
	}
	return err
}
