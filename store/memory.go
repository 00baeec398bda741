package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/stevemurr/bionexo-migrate/document"
)

type memCollection struct {
	opts CollectionOptions
	docs *orderedmap.OrderedMap[string, *document.Document]
}

func newMemCollection(opts CollectionOptions) *memCollection {
	return &memCollection{opts: opts, docs: orderedmap.New[string, *document.Document]()}
}

// MemoryStore keeps everything in memory. Data is lost on restart.
// Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (m *MemoryStore) Find(ctx context.Context, collection string, filter document.Filter, batchSize int, fn func(*document.Document) error) error {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	// Snapshot the keys like a server-side cursor would, then materialize
	// one batch at a time so fn may write to the store between batches.
	m.mu.RLock()
	coll, ok := m.collections[collection]
	var keys []string
	if ok {
		keys = make([]string, 0, coll.docs.Len())
		for p := coll.docs.Oldest(); p != nil; p = p.Next() {
			keys = append(keys, p.Key)
		}
	}
	m.mu.RUnlock()

	for start := 0; start < len(keys); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(keys))
		batch := make([]*document.Document, 0, end-start)
		m.mu.RLock()
		if coll, ok := m.collections[collection]; ok {
			for _, k := range keys[start:end] {
				if doc, ok := coll.docs.Get(k); ok && filter.Matches(doc) {
					batch = append(batch, doc.Clone())
				}
			}
		}
		m.mu.RUnlock()
		for _, doc := range batch {
			if err := fn(doc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MemoryStore) Count(_ context.Context, collection string, filter document.Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return 0, nil
	}
	if filter.Empty() {
		return int64(coll.docs.Len()), nil
	}
	var n int64
	for p := coll.docs.Oldest(); p != nil; p = p.Next() {
		if filter.Matches(p.Value) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Get(_ context.Context, collection string, id any) (*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, nil
	}
	doc, ok := coll.docs.Get(document.KeyString(id))
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) Insert(ctx context.Context, collection string, doc *document.Document) error {
	return m.InsertMany(ctx, collection, []*document.Document{doc})
}

func (m *MemoryStore) InsertMany(_ context.Context, collection string, docs []*document.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = newMemCollection(CollectionOptions{})
		m.collections[collection] = coll
	}
	for i, doc := range docs {
		cp := doc.Clone()
		key := document.KeyString(ensureID(cp))
		if err := checkTimeField(coll.opts, cp); err != nil {
			return fmt.Errorf("insert %s[%d]: %w", collection, i, err)
		}
		if _, exists := coll.docs.Get(key); exists {
			return fmt.Errorf("insert %s key %s: %w", collection, key, ErrDuplicateKey)
		}
		coll.docs.Set(key, cp)
		if id, _ := cp.ID(); !doc.Has(document.IDField) {
			doc.Set(document.IDField, id)
		}
	}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, collection string, id any, set *document.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("update %s: %w", collection, ErrCollectionNotFound)
	}
	if coll.opts.Kind() == KindTimeSeries {
		return fmt.Errorf("update %s: %w", collection, ErrImmutable)
	}
	key := document.KeyString(id)
	doc, ok := coll.docs.Get(key)
	if !ok {
		return fmt.Errorf("update %s key %s: %w", collection, key, ErrDocumentNotFound)
	}
	coll.docs.Set(key, doc.Merge(set))
	return nil
}

func (m *MemoryStore) DeleteOne(_ context.Context, collection string, id any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return false, nil
	}
	_, existed := coll.docs.Delete(document.KeyString(id))
	return existed, nil
}

func (m *MemoryStore) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryStore) CreateCollection(_ context.Context, name string, opts CollectionOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return fmt.Errorf("create %s: %w", name, ErrCollectionExists)
	}
	m.collections[name] = newMemCollection(opts)
	return nil
}

func (m *MemoryStore) ListCollectionNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) CollectionInfo(_ context.Context, name string) (CollectionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[name]
	if !ok {
		return CollectionInfo{}, fmt.Errorf("%s: %w", name, ErrCollectionNotFound)
	}
	return CollectionInfo{Name: name, Kind: coll.opts.Kind(), Options: coll.opts}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
