package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// DefaultBatchSize bounds cursor batches when callers pass no size.
const DefaultBatchSize = 1000

// Options select and configure a backend.
type Options struct {
	Backend  string
	DataDir  string
	URI      string
	Database string
	Timeout  time.Duration
}

// New creates a Store based on the backend name.
//
// Supported backends:
//
//	"mongo"  - MongoDB at URI, database Database (default)
//	"json"   - Extended JSON files in DataDir
//	"sqlite" - SQLite database at DataDir/bionexo.db
//	"memory" - In-memory (ephemeral, for testing)
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "mongo", "":
		return NewMongoStore(ctx, opts.URI, opts.Database, opts.Timeout)
	case "json":
		return NewJsonFileStore(opts.DataDir)
	case "sqlite":
		return NewSqliteStore(filepath.Join(opts.DataDir, "bionexo.db"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: mongo, json, sqlite, memory)", opts.Backend)
	}
}
