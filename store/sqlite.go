package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/stevemurr/bionexo-migrate/document"
)

// SqliteStore stores all collections in a single SQLite database.
//
// Tables:
//
//	collections(name, options)          PRIMARY KEY (name)
//	documents(collection, key, data)    PRIMARY KEY (collection, key)
//
// Documents are canonical Extended JSON; rowid gives insertion order and
// drives keyset pagination for bounded batches.
type SqliteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		options TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) options(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, name string) (CollectionOptions, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT options FROM collections WHERE name = ?", name).Scan(&raw)
	if err == sql.ErrNoRows {
		return CollectionOptions{}, false, nil
	}
	if err != nil {
		return CollectionOptions{}, false, err
	}
	var opts CollectionOptions
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return CollectionOptions{}, false, fmt.Errorf("parse options of %s: %w", name, err)
	}
	return opts, true, nil
}

// Find pages through the collection by rowid. The upper bound is fixed when
// the scan starts, so documents inserted by fn are not revisited.
func (s *SqliteStore) Find(ctx context.Context, collection string, filter document.Filter, batchSize int, fn func(*document.Document) error) error {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	var maxRow sql.NullInt64
	s.mu.RLock()
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(rowid) FROM documents WHERE collection = ?", collection,
	).Scan(&maxRow)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if !maxRow.Valid {
		return nil
	}

	var after int64
	for {
		batch, last, err := s.page(ctx, collection, after, maxRow.Int64, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 && last == after {
			return nil
		}
		after = last
		for _, doc := range batch {
			if !filter.Matches(doc) {
				continue
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
	}
}

func (s *SqliteStore) page(ctx context.Context, collection string, after, upTo int64, limit int) ([]*document.Document, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, data FROM documents
		 WHERE collection = ? AND rowid > ? AND rowid <= ?
		 ORDER BY rowid LIMIT ?`,
		collection, after, upTo, limit,
	)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()
	last := after
	batch := make([]*document.Document, 0, limit)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&last, &raw); err != nil {
			return nil, after, err
		}
		doc, err := document.UnmarshalExtJSON([]byte(raw))
		if err != nil {
			return nil, after, fmt.Errorf("%s row %d: %w", collection, last, err)
		}
		batch = append(batch, doc)
	}
	return batch, last, rows.Err()
}

func (s *SqliteStore) Count(ctx context.Context, collection string, filter document.Filter) (int64, error) {
	if filter.Empty() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var n int64
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM documents WHERE collection = ?", collection,
		).Scan(&n)
		return n, err
	}
	var n int64
	err := s.Find(ctx, collection, filter, DefaultBatchSize, func(*document.Document) error {
		n++
		return nil
	})
	return n, err
}

func (s *SqliteStore) Get(ctx context.Context, collection string, id any) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = ? AND key = ?",
		collection, document.KeyString(id),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return document.UnmarshalExtJSON([]byte(raw))
}

func (s *SqliteStore) Insert(ctx context.Context, collection string, doc *document.Document) error {
	return s.InsertMany(ctx, collection, []*document.Document{doc})
}

// InsertMany writes documents in one transaction per call; a failure rolls
// back the whole batch.
func (s *SqliteStore) InsertMany(ctx context.Context, collection string, docs []*document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	opts, known, err := s.options(ctx, tx, collection)
	if err != nil {
		return err
	}
	if !known {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO collections (name, options) VALUES (?, ?)", collection, "{}",
		); err != nil {
			return err
		}
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO documents (collection, key, data) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	assigned := make([]*document.Document, 0, len(docs))
	for i, doc := range docs {
		cp := doc.Clone()
		key := document.KeyString(ensureID(cp))
		if err := checkTimeField(opts, cp); err != nil {
			return fmt.Errorf("insert %s[%d]: %w", collection, i, err)
		}
		b, err := cp.MarshalExtJSON(true)
		if err != nil {
			return fmt.Errorf("encode %s key %s: %w", collection, key, err)
		}
		if _, err := stmt.ExecContext(ctx, collection, key, string(b)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert %s key %s: %w", collection, key, ErrDuplicateKey)
			}
			return err
		}
		assigned = append(assigned, cp)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for i, doc := range docs {
		if !doc.Has(document.IDField) {
			id, _ := assigned[i].ID()
			doc.Set(document.IDField, id)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SqliteStore) Update(ctx context.Context, collection string, id any, set *document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts, known, err := s.options(ctx, s.db, collection)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("update %s: %w", collection, ErrCollectionNotFound)
	}
	if opts.Kind() == KindTimeSeries {
		return fmt.Errorf("update %s: %w", collection, ErrImmutable)
	}
	key := document.KeyString(id)
	var raw string
	err = s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = ? AND key = ?", collection, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("update %s key %s: %w", collection, key, ErrDocumentNotFound)
	}
	if err != nil {
		return err
	}
	doc, err := document.UnmarshalExtJSON([]byte(raw))
	if err != nil {
		return err
	}
	b, err := doc.Merge(set).MarshalExtJSON(true)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE documents SET data = ? WHERE collection = ? AND key = ?",
		string(b), collection, key,
	)
	return err
}

func (s *SqliteStore) DeleteOne(ctx context.Context, collection string, id any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND key = ?",
		collection, document.KeyString(id),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SqliteStore) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE collection = ?", name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) CreateCollection(ctx context.Context, name string, opts CollectionOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO collections (name, options) VALUES (?, ?)", name, string(b))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("create %s: %w", name, ErrCollectionExists)
	}
	return err
}

func (s *SqliteStore) ListCollectionNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SqliteStore) CollectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opts, known, err := s.options(ctx, s.db, name)
	if err != nil {
		return CollectionInfo{}, err
	}
	if !known {
		return CollectionInfo{}, fmt.Errorf("%s: %w", name, ErrCollectionNotFound)
	}
	return CollectionInfo{Name: name, Kind: opts.Kind(), Options: opts}, nil
}
