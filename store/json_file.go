package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stevemurr/bionexo-migrate/document"
)

const maxLineSize = 16 << 20

// JsonFileStore stores each collection as a file of canonical Extended JSON
// documents, one per line, in insertion order.
//
// Layout:
//
//	data_dir/
//	  _collections.json   # collection registry: name -> storage options
//	  intakes.ndjson      # "intakes" collection
//	  wellness_logs.ndjson
//
// Reads stream, but every write rewrites the whole collection file, so a
// backfill costs one rewrite per modified document. Use it for fixtures,
// exports and small data sets; sqlite or mongo for anything larger.
type JsonFileStore struct {
	mu  sync.RWMutex
	dir string
}

func NewJsonFileStore(dir string) (*JsonFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JsonFileStore{dir: dir}, nil
}

func (s *JsonFileStore) collectionPath(collection string) string {
	return filepath.Join(s.dir, collection+".ndjson")
}

func (s *JsonFileStore) registryPath() string {
	return filepath.Join(s.dir, "_collections.json")
}

func (s *JsonFileStore) loadRegistry() (map[string]CollectionOptions, error) {
	data, err := os.ReadFile(s.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]CollectionOptions{}, nil
		}
		return nil, err
	}
	reg := map[string]CollectionOptions{}
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.registryPath(), err)
	}
	return reg, nil
}

func (s *JsonFileStore) saveRegistry(reg map[string]CollectionOptions) error {
	b, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.registryPath(), b)
}

func (s *JsonFileStore) loadCollection(collection string) ([]*document.Document, error) {
	f, err := s.openCollection(collection)
	if err != nil || f == nil {
		return nil, err
	}
	defer f.Close()

	var docs []*document.Document
	err = s.scan(collection, f, func(doc *document.Document) error {
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

// openCollection returns nil, nil for a collection without a file.
func (s *JsonFileStore) openCollection(collection string) (*os.File, error) {
	f, err := os.Open(s.collectionPath(collection))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return f, err
}

// scan decodes one document per line of r.
func (s *JsonFileStore) scan(collection string, r io.Reader, fn func(*document.Document) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		doc, err := document.UnmarshalExtJSON(raw)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", s.collectionPath(collection), line, err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *JsonFileStore) saveCollection(collection string, docs []*document.Document) error {
	var buf bytes.Buffer
	for _, doc := range docs {
		b, err := doc.MarshalExtJSON(true)
		if err != nil {
			return fmt.Errorf("encode %s key %s: %w", collection, doc.Key(), err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(s.collectionPath(collection), buf.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func indexOf(docs []*document.Document, key string) int {
	for i, d := range docs {
		if d.Key() == key {
			return i
		}
	}
	return -1
}

// Find streams the collection file line by line without holding the lock,
// so fn may write back to the store. Writes replace the file by rename, so
// the open handle keeps reading the snapshot Find started on.
func (s *JsonFileStore) Find(ctx context.Context, collection string, filter document.Filter, batchSize int, fn func(*document.Document) error) error {
	s.mu.RLock()
	f, err := s.openCollection(collection)
	s.mu.RUnlock()
	if err != nil || f == nil {
		return err
	}
	defer f.Close()
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	i := 0
	return s.scan(collection, f, func(doc *document.Document) error {
		if i%batchSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		i++
		if !filter.Matches(doc) {
			return nil
		}
		return fn(doc)
	})
}

func (s *JsonFileStore) Count(_ context.Context, collection string, filter document.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, err := s.loadCollection(collection)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range docs {
		if filter.Matches(doc) {
			n++
		}
	}
	return n, nil
}

func (s *JsonFileStore) Get(_ context.Context, collection string, id any) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, err := s.loadCollection(collection)
	if err != nil {
		return nil, err
	}
	if i := indexOf(docs, document.KeyString(id)); i >= 0 {
		return docs[i], nil
	}
	return nil, nil
}

func (s *JsonFileStore) Insert(ctx context.Context, collection string, doc *document.Document) error {
	return s.InsertMany(ctx, collection, []*document.Document{doc})
}

func (s *JsonFileStore) InsertMany(_ context.Context, collection string, docs []*document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadRegistry()
	if err != nil {
		return err
	}
	opts, known := reg[collection]
	if !known {
		reg[collection] = CollectionOptions{}
		if err := s.saveRegistry(reg); err != nil {
			return err
		}
	}
	existing, err := s.loadCollection(collection)
	if err != nil {
		return err
	}
	keys := make(map[string]struct{}, len(existing)+len(docs))
	for _, d := range existing {
		keys[d.Key()] = struct{}{}
	}
	var insertErr error
	for i, doc := range docs {
		cp := doc.Clone()
		key := document.KeyString(ensureID(cp))
		if err := checkTimeField(opts, cp); err != nil {
			insertErr = fmt.Errorf("insert %s[%d]: %w", collection, i, err)
			break
		}
		if _, dup := keys[key]; dup {
			insertErr = fmt.Errorf("insert %s key %s: %w", collection, key, ErrDuplicateKey)
			break
		}
		keys[key] = struct{}{}
		existing = append(existing, cp)
		if !doc.Has(document.IDField) {
			id, _ := cp.ID()
			doc.Set(document.IDField, id)
		}
	}
	// Documents before a failure stay inserted, matching ordered bulk inserts.
	if err := s.saveCollection(collection, existing); err != nil {
		return err
	}
	return insertErr
}

func (s *JsonFileStore) Update(_ context.Context, collection string, id any, set *document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadRegistry()
	if err != nil {
		return err
	}
	opts, ok := reg[collection]
	if !ok {
		return fmt.Errorf("update %s: %w", collection, ErrCollectionNotFound)
	}
	if opts.Kind() == KindTimeSeries {
		return fmt.Errorf("update %s: %w", collection, ErrImmutable)
	}
	docs, err := s.loadCollection(collection)
	if err != nil {
		return err
	}
	key := document.KeyString(id)
	i := indexOf(docs, key)
	if i < 0 {
		return fmt.Errorf("update %s key %s: %w", collection, key, ErrDocumentNotFound)
	}
	docs[i] = docs[i].Merge(set)
	return s.saveCollection(collection, docs)
}

func (s *JsonFileStore) DeleteOne(_ context.Context, collection string, id any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.loadCollection(collection)
	if err != nil {
		return false, err
	}
	i := indexOf(docs, document.KeyString(id))
	if i < 0 {
		return false, nil
	}
	docs = append(docs[:i], docs[i+1:]...)
	return true, s.saveCollection(collection, docs)
}

func (s *JsonFileStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadRegistry()
	if err != nil {
		return err
	}
	if err := os.Remove(s.collectionPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, ok := reg[name]; !ok {
		return nil
	}
	delete(reg, name)
	return s.saveRegistry(reg)
}

func (s *JsonFileStore) CreateCollection(_ context.Context, name string, opts CollectionOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadRegistry()
	if err != nil {
		return err
	}
	if _, ok := reg[name]; ok {
		return fmt.Errorf("create %s: %w", name, ErrCollectionExists)
	}
	reg[name] = opts
	if err := s.saveCollection(name, nil); err != nil {
		return err
	}
	return s.saveRegistry(reg)
}

func (s *JsonFileStore) ListCollectionNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, err := s.loadRegistry()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *JsonFileStore) CollectionInfo(_ context.Context, name string) (CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, err := s.loadRegistry()
	if err != nil {
		return CollectionInfo{}, err
	}
	opts, ok := reg[name]
	if !ok {
		return CollectionInfo{}, fmt.Errorf("%s: %w", name, ErrCollectionNotFound)
	}
	return CollectionInfo{Name: name, Kind: opts.Kind(), Options: opts}, nil
}

func (s *JsonFileStore) Close() error {
	return nil
}
