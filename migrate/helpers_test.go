package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
)

var errInjected = errors.New("injected failure")

// faultStore wraps a store and fails selected operations.
type faultStore struct {
	store.Store

	mu sync.Mutex
	// insertFailures makes the next n Insert calls on insertColl fail.
	insertColl     string
	insertFailures int
	// insertManyColl fails every InsertMany into that collection after
	// insertManyAllowed successful calls.
	insertManyColl    string
	insertManyAllowed int
	// dropColl fails DropCollection for that name.
	dropColl string
}

func (f *faultStore) Insert(ctx context.Context, coll string, doc *document.Document) error {
	f.mu.Lock()
	if coll == f.insertColl && f.insertFailures > 0 {
		f.insertFailures--
		f.mu.Unlock()
		return errInjected
	}
	f.mu.Unlock()
	return f.Store.Insert(ctx, coll, doc)
}

func (f *faultStore) InsertMany(ctx context.Context, coll string, docs []*document.Document) error {
	f.mu.Lock()
	if coll == f.insertManyColl {
		if f.insertManyAllowed <= 0 {
			f.mu.Unlock()
			return errInjected
		}
		f.insertManyAllowed--
	}
	f.mu.Unlock()
	return f.Store.InsertMany(ctx, coll, docs)
}

func (f *faultStore) DropCollection(ctx context.Context, name string) error {
	if name == f.dropColl {
		return errInjected
	}
	return f.Store.DropCollection(ctx, name)
}

var (
	intakesTS  = store.CollectionOptions{TimeSeries: &store.TimeSeriesOptions{TimeField: "timestamp", MetaField: "user_id", Granularity: "hours"}}
	wellnessTS = store.CollectionOptions{TimeSeries: &store.TimeSeriesOptions{TimeField: "created_at", MetaField: "user_id"}}
	t0         = time.Date(2024, 5, 13, 10, 0, 0, 0, time.UTC)
)

func seedIntakes(t *testing.T, s store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, Intakes, intakesTS))
	feelings := []any{"Con hambre", "Bien", "Saciado", "Neutral", "Hinchado", nil, "raro"}
	docs := make([]*document.Document, 0, n)
	for i := 0; i < n; i++ {
		d := document.New(
			document.Field{Key: "_id", Value: fmt.Sprintf("in-%04d", i)},
			document.Field{Key: "user_id", Value: "ana@example.com"},
			document.Field{Key: "timestamp", Value: t0.Add(time.Duration(i) * time.Minute)},
			document.Field{Key: "food_name", Value: "Arroz"},
			document.Field{Key: "feeling", Value: feelings[i%len(feelings)]},
		)
		if i%2 == 0 {
			d.Set("quantity", 150)
		}
		docs = append(docs, d)
	}
	require.NoError(t, s.InsertMany(ctx, Intakes, docs))
}

func seedWellness(t *testing.T, s store.Store, docs ...*document.Document) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, WellnessLogs, wellnessTS))
	for i, d := range docs {
		if !d.Has("_id") {
			d.Set("_id", fmt.Sprintf("wl-%04d", i))
		}
		if !d.Has("created_at") {
			d.Set("created_at", t0.Add(time.Duration(i)*time.Hour))
		}
	}
	require.NoError(t, s.InsertMany(ctx, WellnessLogs, docs))
}

func all(t *testing.T, s store.Store, coll string) []*document.Document {
	t.Helper()
	var out []*document.Document
	require.NoError(t, s.Find(context.Background(), coll, document.All, 100, func(d *document.Document) error {
		out = append(out, d)
		return nil
	}))
	return out
}

func count(t *testing.T, s store.Store, coll string) int64 {
	t.Helper()
	n, err := s.Count(context.Background(), coll, document.All)
	require.NoError(t, err)
	return n
}

func get(t *testing.T, s store.Store, coll string, id any) *document.Document {
	t.Helper()
	d, err := s.Get(context.Background(), coll, id)
	require.NoError(t, err)
	require.NotNil(t, d, "%s/%v", coll, id)
	return d
}

func field(d *document.Document, key string) any {
	v, _ := d.Get(key)
	return v
}
