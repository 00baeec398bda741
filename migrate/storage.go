package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
)

var (
	// ErrBackupCollision is returned when the backup collection already
	// exists and ForceBackup is not set.
	ErrBackupCollision = errors.New("backup collection already exists")
	// ErrCountMismatch is returned when a copy did not reproduce every
	// document of its source.
	ErrCountMismatch = errors.New("document count mismatch")
)

// State is the terminal state of a storage migration.
type State string

const (
	Skipped      State = "skipped"
	DryPreviewed State = "dry-previewed"
	Completed    State = "completed"
	Failed       State = "failed"
)

// Phase names a step of the storage migration pipeline.
type Phase string

const (
	PhaseInspect  Phase = "inspect"
	PhaseBackup   Phase = "backup"
	PhaseDrop     Phase = "drop"
	PhaseRecreate Phase = "recreate"
	PhaseRestore  Phase = "restore"
	PhaseCleanup  Phase = "cleanup"
)

// PhaseError reports the phase a storage migration failed in.
type PhaseError struct {
	Collection string
	Phase      Phase
	Err        error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s phase: %v", e.Collection, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// BackupName is the deterministic name of the backup of collection.
func BackupName(collection string) string {
	return collection + "_backup_ts"
}

// Outcome describes how one collection's storage migration ended.
type Outcome struct {
	Collection string `json:"collection"`
	State      State  `json:"state"`
	// Phase is the last phase entered.
	Phase       Phase  `json:"phase"`
	BackupName  string `json:"backup_name"`
	SourceCount int64  `json:"source_count"`
	BackedUp    int64  `json:"backed_up"`
	Restored    int64  `json:"restored"`
	Resumed     bool   `json:"resumed,omitempty"`
	// Note explains a skip, such as an orphaned backup left for --resume.
	Note string `json:"note,omitempty"`
	Err  error  `json:"-"`
}

// StorageMigrator converts time-series collections into regular ones through
// backup, drop, recreate, restore and cleanup. The backup is the recovery
// point: it is only dropped after the restored collection is confirmed to
// hold every backed up document, so a failure in any later phase leaves it
// in place.
type StorageMigrator struct {
	Store     store.Store
	BatchSize int
	DryRun    bool
	// ForceBackup drops an existing backup collection instead of failing.
	ForceBackup bool
	// Resume finishes a migration an earlier run left with an orphaned
	// backup.
	Resume bool
	// BeforeDrop runs after the backup is confirmed and before the source
	// is dropped; an error fails the backup phase.
	BeforeDrop func(ctx context.Context, collection string) error
	Logger     *slog.Logger
}

func (m *StorageMigrator) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *StorageMigrator) batchSize() int {
	if m.BatchSize < 1 {
		return store.DefaultBatchSize
	}
	return m.BatchSize
}

// Migrate runs the pipeline for one collection. It never returns an error;
// failures end in the Failed state with Err set to a *PhaseError.
func (m *StorageMigrator) Migrate(ctx context.Context, name string) Outcome {
	out := Outcome{Collection: name, BackupName: BackupName(name), Phase: PhaseInspect}
	log := m.logger().With("collection", name, "backup", out.BackupName)

	fail := func(phase Phase, err error) Outcome {
		out.State = Failed
		out.Phase = phase
		out.Err = &PhaseError{Collection: name, Phase: phase, Err: err}
		log.Error("storage migration failed", "phase", phase, "error", err)
		return out
	}

	backupExists, err := store.HasCollection(ctx, m.Store, out.BackupName)
	if err != nil {
		return fail(PhaseInspect, err)
	}
	info, err := m.Store.CollectionInfo(ctx, name)
	missing := errors.Is(err, store.ErrCollectionNotFound)
	if err != nil && !missing {
		return fail(PhaseInspect, err)
	}

	if missing || info.Kind != store.KindTimeSeries {
		if backupExists {
			if m.Resume {
				return m.resume(ctx, out, missing, log)
			}
			out.Note = "orphaned backup found; rerun with resume to finish restoring it"
			log.Warn("orphaned backup left by an earlier run")
		} else if missing {
			out.Note = "collection not found"
		} else {
			out.Note = "not a time-series collection"
		}
		out.State = Skipped
		log.Info("skipped", "reason", out.Note)
		return out
	}

	if m.DryRun {
		n, err := m.Store.Count(ctx, name, document.All)
		if err != nil {
			return fail(PhaseInspect, err)
		}
		out.SourceCount = n
		out.State = DryPreviewed
		if backupExists && !m.ForceBackup {
			out.Note = "backup collection exists; apply would fail without force-backup"
		}
		log.Info("dry run", "documents", n)
		return out
	}

	out.Phase = PhaseBackup
	if backupExists {
		// Resume only finishes from a backup whose source is gone or already
		// regular; it never replaces one.
		if !m.ForceBackup {
			return fail(PhaseBackup, ErrBackupCollision)
		}
		// The source is still intact, so a stale backup carries nothing it
		// does not.
		log.Warn("dropping existing backup")
		if err := m.Store.DropCollection(ctx, out.BackupName); err != nil {
			return fail(PhaseBackup, err)
		}
	}
	src, err := m.Store.Count(ctx, name, document.All)
	if err != nil {
		return fail(PhaseBackup, err)
	}
	out.SourceCount = src
	if err := m.Store.CreateCollection(ctx, out.BackupName, store.CollectionOptions{}); err != nil {
		return fail(PhaseBackup, err)
	}
	log.Info("creating backup", "documents", src)
	copied, err := m.copy(ctx, name, out.BackupName, nil)
	out.BackedUp = copied
	if err != nil {
		return fail(PhaseBackup, err)
	}
	if err := m.confirm(ctx, out.BackupName, src); err != nil {
		return fail(PhaseBackup, err)
	}
	if m.BeforeDrop != nil {
		if err := m.BeforeDrop(ctx, name); err != nil {
			return fail(PhaseBackup, err)
		}
	}

	out.Phase = PhaseDrop
	log.Info("dropping source")
	if err := m.Store.DropCollection(ctx, name); err != nil {
		return fail(PhaseDrop, err)
	}

	out.Phase = PhaseRecreate
	if err := m.Store.CreateCollection(ctx, name, store.CollectionOptions{}); err != nil {
		return fail(PhaseRecreate, err)
	}

	out.Phase = PhaseRestore
	log.Info("restoring")
	restored, err := m.copy(ctx, out.BackupName, name, nil)
	out.Restored = restored
	if err != nil {
		return fail(PhaseRestore, err)
	}
	if err := m.confirm(ctx, name, out.BackedUp); err != nil {
		return fail(PhaseRestore, err)
	}

	return m.cleanup(ctx, out, log)
}

// resume restores the documents of an orphaned backup that are missing from
// the regular collection, then confirms and cleans up.
func (m *StorageMigrator) resume(ctx context.Context, out Outcome, missing bool, log *slog.Logger) Outcome {
	name := out.Collection
	out.Resumed = true
	fail := func(phase Phase, err error) Outcome {
		out.State = Failed
		out.Phase = phase
		out.Err = &PhaseError{Collection: name, Phase: phase, Err: err}
		log.Error("resume failed", "phase", phase, "error", err)
		return out
	}

	n, err := m.Store.Count(ctx, out.BackupName, document.All)
	if err != nil {
		return fail(PhaseInspect, err)
	}
	out.BackedUp = n
	if m.DryRun {
		out.SourceCount = n
		out.State = DryPreviewed
		out.Note = "would resume from orphaned backup"
		return out
	}

	if missing {
		out.Phase = PhaseRecreate
		if err := m.Store.CreateCollection(ctx, name, store.CollectionOptions{}); err != nil {
			return fail(PhaseRecreate, err)
		}
	}

	out.Phase = PhaseRestore
	present := make(map[string]struct{})
	err = m.Store.Find(ctx, name, document.All, m.batchSize(), func(d *document.Document) error {
		present[d.Key()] = struct{}{}
		return nil
	})
	if err != nil {
		return fail(PhaseRestore, err)
	}
	log.Info("resuming restore", "backup", n, "already_restored", len(present))
	restored, err := m.copy(ctx, out.BackupName, name, func(d *document.Document) bool {
		_, ok := present[d.Key()]
		return !ok
	})
	out.Restored = restored
	if err != nil {
		return fail(PhaseRestore, err)
	}
	got, err := m.Store.Count(ctx, name, document.All)
	if err != nil {
		return fail(PhaseRestore, err)
	}
	// The regular collection may already hold new writes, so only a
	// shortfall is an error.
	if got < n {
		return fail(PhaseRestore, fmt.Errorf("%w: %s holds %d, backup %d", ErrCountMismatch, name, got, n))
	}
	return m.cleanup(ctx, out, log)
}

func (m *StorageMigrator) cleanup(ctx context.Context, out Outcome, log *slog.Logger) Outcome {
	out.Phase = PhaseCleanup
	if err := m.Store.DropCollection(ctx, out.BackupName); err != nil {
		out.State = Failed
		out.Err = &PhaseError{Collection: out.Collection, Phase: PhaseCleanup, Err: err}
		log.Error("cleanup failed; data is restored, backup left in place", "error", err)
		return out
	}
	out.State = Completed
	log.Info("storage migration completed", "restored", out.Restored)
	return out
}

// copy moves the documents of from into to in batches of BatchSize. keep,
// when set, selects the documents to copy.
func (m *StorageMigrator) copy(ctx context.Context, from, to string, keep func(*document.Document) bool) (int64, error) {
	size := m.batchSize()
	buf := make([]*document.Document, 0, size)
	var n int64
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := m.Store.InsertMany(ctx, to, buf); err != nil {
			return fmt.Errorf("copy %s to %s after %d documents: %w", from, to, n, err)
		}
		n += int64(len(buf))
		buf = buf[:0]
		return nil
	}
	err := m.Store.Find(ctx, from, document.All, size, func(d *document.Document) error {
		if keep != nil && !keep(d) {
			return nil
		}
		buf = append(buf, d)
		if len(buf) >= size {
			return flush()
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, flush()
}

func (m *StorageMigrator) confirm(ctx context.Context, collection string, want int64) error {
	got, err := m.Store.Count(ctx, collection, document.All)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s holds %d, expected %d", ErrCountMismatch, collection, got, want)
	}
	return nil
}
