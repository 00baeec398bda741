// Package session runs migration commands over a set of collections and
// aggregates their outcomes into a report.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stevemurr/bionexo-migrate/archive"
	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/migrate"
	"github.com/stevemurr/bionexo-migrate/schema"
	"github.com/stevemurr/bionexo-migrate/store"
	"github.com/stevemurr/bionexo-migrate/timestamp"
)

// ErrUnknownCollection is returned before any work starts when a command is
// asked for a collection it has no migration for.
var ErrUnknownCollection = errors.New("no migration defined for collection")

// ErrUnknownCommand is returned by Run for an unknown command name.
var ErrUnknownCommand = errors.New("unknown command")

// Command names a migration command.
type Command string

const (
	Backfill         Command = "backfill"
	FixDates         Command = "fix-dates"
	RemoveTimeSeries Command = "remove-timeseries"
	LinkFoods        Command = "link-foods"
	Verify           Command = "verify"
	Samples          Command = "samples"
)

// Commands lists every command Run accepts.
var Commands = []Command{Backfill, FixDates, RemoveTimeSeries, LinkFoods, Verify, Samples}

// DefaultCollections are processed when Options.Collections is empty.
func DefaultCollections(cmd Command) []string {
	switch cmd {
	case RemoveTimeSeries:
		return []string{migrate.Intakes, migrate.WellnessLogs, migrate.Symptoms}
	case LinkFoods:
		return []string{migrate.Intakes}
	default:
		return []string{migrate.Intakes, migrate.WellnessLogs}
	}
}

// Options configure one command run.
type Options struct {
	// Apply writes changes. The zero value is a dry run.
	Apply       bool
	Collections []string
	// Policy drives fix-dates.
	Policy timestamp.Policy
	// DateFields overrides the per-collection date fields of fix-dates.
	DateFields  []string
	ForceBackup bool
	Resume      bool
	// ArchiveDir, when set, receives a compressed dump of every collection
	// remove-timeseries is about to drop.
	ArchiveDir string
	// User limits link-foods to one user.
	User        string
	BatchSize   int
	Parallelism int
	// ShowSamples keeps up to this many computed changes per collection.
	ShowSamples int
	// ShowStats attaches post-run coverage statistics.
	ShowStats bool
	// Schemas overrides the verification schema per collection.
	Schemas map[string]map[string]any
}

func (o Options) mode() migrate.Mode {
	if o.Apply {
		return migrate.Apply
	}
	return migrate.DryRun
}

func (o Options) collections(cmd Command) []string {
	if len(o.Collections) > 0 {
		return o.Collections
	}
	return DefaultCollections(cmd)
}

func (o Options) batchSize() int {
	if o.BatchSize < 1 {
		return store.DefaultBatchSize
	}
	return o.BatchSize
}

func (o Options) schema(collection string) map[string]any {
	if s, ok := o.Schemas[collection]; ok {
		return s
	}
	return schema.ScaleSchema
}

// Controller runs migration commands against a store.
type Controller struct {
	Store  store.Store
	Logger *slog.Logger
	// OnSummary is called once per finished collection, possibly from
	// several goroutines.
	OnSummary func(cmd Command, s Summary)
}

// New creates a Controller.
func New(s store.Store, logger *slog.Logger) *Controller {
	return &Controller{Store: s, Logger: logger}
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run dispatches cmd.
func (c *Controller) Run(ctx context.Context, cmd Command, opts Options) (*Report, error) {
	switch cmd {
	case Backfill:
		return c.Backfill(ctx, opts)
	case FixDates:
		return c.FixDates(ctx, opts)
	case RemoveTimeSeries:
		return c.RemoveTimeSeries(ctx, opts)
	case LinkFoods:
		return c.LinkFoods(ctx, opts)
	case Verify:
		return c.Verify(ctx, opts)
	case Samples:
		return c.Samples(ctx, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
}

// each runs fn for every collection, at most opts.Parallelism at a time.
// A failing collection never stops the others.
func (c *Controller) each(ctx context.Context, cmd Command, opts Options, colls []string, fn func(ctx context.Context, coll string) Summary) *Report {
	rep := &Report{
		RunID:   uuid.NewString(),
		Command: cmd,
		DryRun:  !opts.Apply,
		Started: time.Now().UTC(),
	}
	log := c.logger().With("run", rep.RunID, "command", string(cmd), "mode", opts.mode().String())
	log.Info("run started", "collections", colls)

	rep.Collections = make([]Summary, len(colls))
	var g errgroup.Group
	limit := opts.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, coll := range colls {
		g.Go(func() error {
			s := fn(ctx, coll)
			s.Collection = coll
			rep.Collections[i] = s
			if s.Failed {
				log.Error("collection failed", "collection", coll, "error", s.Err)
			}
			if c.OnSummary != nil {
				c.OnSummary(cmd, s)
			}
			return nil
		})
	}
	g.Wait()

	rep.Finished = time.Now().UTC()
	log.Info("run finished", "failed", rep.Failed(), "elapsed", rep.Finished.Sub(rep.Started).String())
	return rep
}

func fromResult(res migrate.Result, err error) Summary {
	s := Summary{
		Total:    res.Total,
		Modified: res.Modified,
		Errors:   res.Errors,
		Skipped:  res.Skipped,
		Samples:  res.Samples,
	}
	if err != nil {
		s.Failed = true
		s.Err = err.Error()
	}
	return s
}

func (c *Controller) engine(opts Options) *migrate.Engine {
	return &migrate.Engine{
		Store:      c.Store,
		BatchSize:  opts.batchSize(),
		MaxSamples: opts.ShowSamples,
		Logger:     c.logger(),
	}
}

func (c *Controller) stats(ctx context.Context, opts Options, coll string, s *Summary) {
	if !opts.ShowStats || s.Failed {
		return
	}
	rep, err := schema.Verify(ctx, c.Store, coll, opts.schema(coll))
	if err != nil {
		if !errors.Is(err, store.ErrCollectionNotFound) {
			c.logger().Warn("stats unavailable", "collection", coll, "error", err)
		}
		return
	}
	s.Verify = &rep
}

// Backfill derives the scale and default fields of every legacy document.
// Unknown collections are rejected before anything runs.
func (c *Controller) Backfill(ctx context.Context, opts Options) (*Report, error) {
	colls := opts.collections(Backfill)
	descs := make(map[string]migrate.Descriptor, len(colls))
	for _, coll := range colls {
		d, ok := migrate.Backfill(coll)
		if !ok {
			return nil, fmt.Errorf("backfill %s: %w", coll, ErrUnknownCollection)
		}
		descs[coll] = d
	}
	eng := c.engine(opts)
	return c.each(ctx, Backfill, opts, colls, func(ctx context.Context, coll string) Summary {
		s := fromResult(eng.Run(ctx, descs[coll], opts.mode()))
		c.stats(ctx, opts, coll, &s)
		return s
	}), nil
}

// FixDates rewrites the date fields of every collection in canonical UTC
// form under opts.Policy.
func (c *Controller) FixDates(ctx context.Context, opts Options) (*Report, error) {
	colls := opts.collections(FixDates)
	eng := c.engine(opts)
	return c.each(ctx, FixDates, opts, colls, func(ctx context.Context, coll string) Summary {
		s := fromResult(eng.Run(ctx, migrate.DateFix(coll, opts.Policy, opts.DateFields...), opts.mode()))
		c.stats(ctx, opts, coll, &s)
		return s
	}), nil
}

// RemoveTimeSeries converts every time-series collection into a regular one.
func (c *Controller) RemoveTimeSeries(ctx context.Context, opts Options) (*Report, error) {
	colls := opts.collections(RemoveTimeSeries)
	m := &migrate.StorageMigrator{
		Store:       c.Store,
		BatchSize:   opts.batchSize(),
		DryRun:      !opts.Apply,
		ForceBackup: opts.ForceBackup,
		Resume:      opts.Resume,
		Logger:      c.logger(),
	}
	if opts.ArchiveDir != "" {
		m.BeforeDrop = func(ctx context.Context, coll string) error {
			path, n, err := archive.DumpFile(ctx, c.Store, opts.ArchiveDir, coll, opts.batchSize())
			if err != nil {
				return fmt.Errorf("archive %s: %w", coll, err)
			}
			c.logger().Info("collection archived", "collection", coll, "path", path, "documents", n)
			return nil
		}
	}
	return c.each(ctx, RemoveTimeSeries, opts, colls, func(ctx context.Context, coll string) Summary {
		out := m.Migrate(ctx, coll)
		s := Summary{Storage: &out, Total: int(out.SourceCount)}
		if out.State == migrate.Completed {
			s.Modified = int(out.Restored)
		}
		if out.State == migrate.Failed {
			s.Failed = true
			s.Err = out.Err.Error()
		}
		return s
	}), nil
}

// LinkFoods builds the foods catalog from intake history. Only the intakes
// collection can be linked.
func (c *Controller) LinkFoods(ctx context.Context, opts Options) (*Report, error) {
	colls := opts.collections(LinkFoods)
	for _, coll := range colls {
		if coll != migrate.Intakes {
			return nil, fmt.Errorf("link-foods %s: %w", coll, ErrUnknownCollection)
		}
	}
	l := &migrate.FoodLinker{Store: c.Store, BatchSize: opts.batchSize(), Logger: c.logger()}
	rep := c.each(ctx, LinkFoods, opts, colls, func(ctx context.Context, coll string) Summary {
		res, err := l.Link(ctx, opts.User, opts.mode())
		s := Summary{
			Total:    res.Intakes,
			Modified: res.IntakesUpdated,
			Errors:   res.Errors,
			Foods:    &res,
		}
		if err != nil {
			s.Failed = true
			s.Err = err.Error()
		}
		return s
	})
	if opts.ShowStats {
		st, err := l.Stats(ctx)
		if err != nil {
			c.logger().Warn("food stats unavailable", "error", err)
		} else {
			rep.FoodStats = &st
		}
	}
	return rep, nil
}

// Verify validates every document against the collection's schema and
// reports field coverage. It never writes.
func (c *Controller) Verify(ctx context.Context, opts Options) (*Report, error) {
	opts.Apply = false
	colls := opts.collections(Verify)
	return c.each(ctx, Verify, opts, colls, func(ctx context.Context, coll string) Summary {
		rep, err := schema.Verify(ctx, c.Store, coll, opts.schema(coll))
		s := Summary{Verify: &rep, Total: int(rep.Total), Errors: int(rep.Invalid)}
		if err != nil && !errors.Is(err, store.ErrCollectionNotFound) {
			s.Failed = true
			s.Err = err.Error()
		}
		return s
	}), nil
}

// sampleFields are the legacy and derived fields shown side by side.
var sampleFields = map[string][]string{
	migrate.Intakes:      {"food_name", "feeling", "feeling_scale", "meal_type", "quantity_type", "timestamp"},
	migrate.WellnessLogs: {"digestive_issues", "digestive_comfort_scale", "appetite", "appetite_scale", "created_at"},
}

// Samples shows up to opts.ShowSamples documents per collection (at least
// one) with their legacy and derived fields. It never writes.
func (c *Controller) Samples(ctx context.Context, opts Options) (*Report, error) {
	opts.Apply = false
	n := opts.ShowSamples
	if n < 1 {
		n = 1
	}
	colls := opts.collections(Samples)
	return c.each(ctx, Samples, opts, colls, func(ctx context.Context, coll string) Summary {
		var s Summary
		stop := errors.New("enough samples")
		err := c.Store.Find(ctx, coll, document.All, n, func(d *document.Document) error {
			s.Total++
			s.Examples = append(s.Examples, example(coll, d))
			if len(s.Examples) >= n {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) && !errors.Is(err, store.ErrCollectionNotFound) {
			s.Failed = true
			s.Err = err.Error()
		}
		return s
	}), nil
}

func example(coll string, d *document.Document) Example {
	ex := Example{Key: d.Key()}
	fields, ok := sampleFields[coll]
	if !ok {
		fields = d.Keys()
	}
	for _, f := range fields {
		if f == document.IDField {
			continue
		}
		v, present := d.Get(f)
		ex.Fields = append(ex.Fields, FieldValue{Name: f, Value: v, Present: present})
	}
	return ex
}
