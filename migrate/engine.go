package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
)

// Mode selects whether a run writes.
type Mode int

const (
	// DryRun computes every change and writes nothing.
	DryRun Mode = iota
	// Apply writes the changes.
	Apply
)

func (m Mode) String() string {
	if m == Apply {
		return "apply"
	}
	return "dry-run"
}

// Sample is one document's computed change, kept for operator review.
type Sample struct {
	Key   string         `json:"key"`
	Delta map[string]any `json:"delta"`
}

// Result summarizes one descriptor run. In a dry run Modified counts the
// documents that would be modified.
type Result struct {
	Descriptor string   `json:"descriptor"`
	Collection string   `json:"collection"`
	DryRun     bool     `json:"dry_run"`
	Total      int      `json:"total"`
	Modified   int      `json:"modified"`
	Errors     int      `json:"errors"`
	Skipped    int      `json:"skipped"`
	Samples    []Sample `json:"samples,omitempty"`
}

// Engine runs descriptors against a store.
type Engine struct {
	Store     store.Store
	BatchSize int
	// MaxSamples caps Result.Samples. Zero keeps none.
	MaxSamples int
	Logger     *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run streams the documents d selects and applies their deltas. Per-document
// failures are counted in Result.Errors; the returned error is reserved for
// failures that stop the whole run, such as a lost connection or a canceled
// context. A missing collection yields an empty result.
//
// Time-series collections are written through store.Replace, which
// re-inserts documents; keys already visited are remembered so a cursor that
// sees a re-inserted document does not process it twice.
func (e *Engine) Run(ctx context.Context, d Descriptor, mode Mode) (Result, error) {
	res := Result{Descriptor: d.Name, Collection: d.Collection, DryRun: mode == DryRun}
	log := e.logger().With("collection", d.Collection, "descriptor", d.Name, "mode", mode.String())

	info, err := e.Store.CollectionInfo(ctx, d.Collection)
	if errors.Is(err, store.ErrCollectionNotFound) {
		log.Info("collection not found, nothing to do")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("inspect %s: %w", d.Collection, err)
	}

	seen := make(map[string]struct{})
	err = e.Store.Find(ctx, d.Collection, d.Filter, e.BatchSize, func(doc *document.Document) error {
		key := doc.Key()
		if _, dup := seen[key]; dup {
			return nil
		}
		seen[key] = struct{}{}
		res.Total++

		delta, skipped, err := d.Apply(doc)
		for _, s := range skipped {
			res.Skipped++
			log.Info("cannot normalize", "key", key, "reason", s)
		}
		if err != nil {
			res.Errors++
			log.Warn("derive failed", "key", key, "error", err)
			return nil
		}
		if delta.Len() == 0 {
			return nil
		}
		if mode == Apply {
			if err := store.Apply(ctx, e.Store, info, doc, delta); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				res.Errors++
				log.Warn("write failed", "key", key, "fields", delta.Keys(), "error", err)
				var rerr *store.ReplaceError
				if errors.As(err, &rerr) && !rerr.Restored() {
					log.Error("document lost during replace", "key", key, "rollback_error", rerr.RollbackErr)
				}
				return nil
			}
		}
		res.Modified++
		if len(res.Samples) < e.MaxSamples {
			res.Samples = append(res.Samples, Sample{Key: key, Delta: delta.Map()})
		}
		log.Debug("document changed", "key", key, "fields", delta.Keys())
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", d.Collection, err)
	}
	log.Info("run finished", "total", res.Total, "modified", res.Modified, "errors", res.Errors, "skipped", res.Skipped)
	return res, nil
}
