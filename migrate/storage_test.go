package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
)

func kindOf(t *testing.T, s store.Store, coll string) store.Kind {
	t.Helper()
	info, err := s.CollectionInfo(context.Background(), coll)
	require.NoError(t, err)
	return info.Kind
}

func exists(t *testing.T, s store.Store, coll string) bool {
	t.Helper()
	ok, err := store.HasCollection(context.Background(), s, coll)
	require.NoError(t, err)
	return ok
}

func TestStorageMigrationRoundTrip(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSqliteStore(filepath.Join(t.TempDir(), "m.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			seedIntakes(t, s, 500)
			before := all(t, s, Intakes)

			m := &StorageMigrator{Store: s, BatchSize: 64}
			out := m.Migrate(ctx, Intakes)
			require.NoError(t, out.Err)
			assert.Equal(t, Completed, out.State)
			assert.Equal(t, PhaseCleanup, out.Phase)
			assert.Equal(t, int64(500), out.SourceCount)
			assert.Equal(t, int64(500), out.BackedUp)
			assert.Equal(t, int64(500), out.Restored)

			assert.Equal(t, int64(500), count(t, s, Intakes))
			assert.Equal(t, store.KindRegular, kindOf(t, s, Intakes))
			assert.False(t, exists(t, s, BackupName(Intakes)))

			for _, d := range before {
				got := get(t, s, Intakes, d.Key())
				assert.True(t, d.Equal(got), "document %s changed", d.Key())
			}

			// Run again: nothing left to convert.
			again := m.Migrate(ctx, Intakes)
			assert.Equal(t, Skipped, again.State)
			assert.NoError(t, again.Err)
			assert.Equal(t, int64(500), count(t, s, Intakes))
		})
	}
}

func TestStorageMigrationDryRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedIntakes(t, s, 12)

	out := (&StorageMigrator{Store: s, DryRun: true}).Migrate(ctx, Intakes)
	assert.Equal(t, DryPreviewed, out.State)
	assert.Equal(t, int64(12), out.SourceCount)
	assert.Equal(t, store.KindTimeSeries, kindOf(t, s, Intakes))
	assert.False(t, exists(t, s, BackupName(Intakes)))
}

func TestStorageMigrationSkipsRegularAndMissing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Insert(ctx, WellnessLogs, document.New(document.Field{Key: "_id", Value: "w"})))

	m := &StorageMigrator{Store: s}
	out := m.Migrate(ctx, WellnessLogs)
	assert.Equal(t, Skipped, out.State)
	assert.Equal(t, "not a time-series collection", out.Note)

	out = m.Migrate(ctx, Symptoms)
	assert.Equal(t, Skipped, out.State)
	assert.Equal(t, "collection not found", out.Note)
}

func TestStorageMigrationBackupCollision(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedIntakes(t, s, 10)
	stale := document.New(document.Field{Key: "_id", Value: "keep-me"})
	require.NoError(t, s.Insert(ctx, BackupName(Intakes), stale))

	out := (&StorageMigrator{Store: s}).Migrate(ctx, Intakes)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, PhaseBackup, out.Phase)
	assert.ErrorIs(t, out.Err, ErrBackupCollision)
	var perr *PhaseError
	require.ErrorAs(t, out.Err, &perr)
	assert.Equal(t, Intakes, perr.Collection)

	assert.Equal(t, store.KindTimeSeries, kindOf(t, s, Intakes), "source untouched")
	assert.NotNil(t, get(t, s, BackupName(Intakes), "keep-me"), "existing backup untouched")

	out = (&StorageMigrator{Store: s, ForceBackup: true}).Migrate(ctx, Intakes)
	require.NoError(t, out.Err)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, int64(10), count(t, s, Intakes))
	assert.False(t, exists(t, s, BackupName(Intakes)))
}

func TestStorageMigrationResumeDoesNotReplaceBackup(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedIntakes(t, s, 10)
	stale := document.New(document.Field{Key: "_id", Value: "keep-me"})
	require.NoError(t, s.Insert(ctx, BackupName(Intakes), stale))

	out := (&StorageMigrator{Store: s, Resume: true}).Migrate(ctx, Intakes)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, PhaseBackup, out.Phase)
	assert.ErrorIs(t, out.Err, ErrBackupCollision)
	assert.Equal(t, store.KindTimeSeries, kindOf(t, s, Intakes), "source untouched")
	assert.NotNil(t, get(t, s, BackupName(Intakes), "keep-me"), "existing backup untouched")

	dry := (&StorageMigrator{Store: s, Resume: true, DryRun: true}).Migrate(ctx, Intakes)
	assert.Equal(t, DryPreviewed, dry.State)
	assert.Contains(t, dry.Note, "force-backup")
}

func TestStorageMigrationRestoreFailureKeepsBackup(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	seedIntakes(t, mem, 500)
	// Two batches reach the new collection, then restore fails.
	fs := &faultStore{Store: mem, insertManyColl: Intakes, insertManyAllowed: 2}

	out := (&StorageMigrator{Store: fs, BatchSize: 100}).Migrate(ctx, Intakes)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, PhaseRestore, out.Phase)
	assert.ErrorIs(t, out.Err, errInjected)
	assert.Equal(t, int64(200), out.Restored)

	assert.True(t, exists(t, mem, BackupName(Intakes)), "backup is the recovery point")
	assert.Equal(t, int64(500), count(t, mem, BackupName(Intakes)))
	assert.Equal(t, int64(200), count(t, mem, Intakes))

	// A plain rerun refuses to touch the orphaned backup.
	plain := (&StorageMigrator{Store: mem}).Migrate(ctx, Intakes)
	assert.Equal(t, Skipped, plain.State)
	assert.Contains(t, plain.Note, "orphaned backup")
	assert.Equal(t, int64(500), count(t, mem, BackupName(Intakes)))

	resumed := (&StorageMigrator{Store: mem, Resume: true, BatchSize: 100}).Migrate(ctx, Intakes)
	require.NoError(t, resumed.Err)
	assert.Equal(t, Completed, resumed.State)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, int64(300), resumed.Restored)
	assert.Equal(t, int64(500), count(t, mem, Intakes))
	assert.False(t, exists(t, mem, BackupName(Intakes)))
}

func TestStorageMigrationDropFailureKeepsEverything(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	seedIntakes(t, mem, 30)
	fs := &faultStore{Store: mem, dropColl: Intakes}

	out := (&StorageMigrator{Store: fs}).Migrate(ctx, Intakes)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, PhaseDrop, out.Phase)
	assert.Equal(t, int64(30), count(t, mem, Intakes))
	assert.Equal(t, int64(30), count(t, mem, BackupName(Intakes)))
}

func TestStorageMigrationCleanupFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	seedIntakes(t, mem, 5)
	fs := &faultStore{Store: mem, dropColl: BackupName(Intakes)}

	out := (&StorageMigrator{Store: fs}).Migrate(ctx, Intakes)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, PhaseCleanup, out.Phase)
	assert.Equal(t, int64(5), count(t, mem, Intakes))
	assert.Equal(t, store.KindRegular, kindOf(t, mem, Intakes))
}

func TestStorageMigrationBeforeDropHook(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedIntakes(t, s, 3)

	var called []string
	m := &StorageMigrator{Store: s, BeforeDrop: func(_ context.Context, c string) error {
		called = append(called, c)
		return errors.New("archive unavailable")
	}}
	out := m.Migrate(ctx, Intakes)
	assert.Equal(t, []string{Intakes}, called)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, PhaseBackup, out.Phase)
	assert.Equal(t, store.KindTimeSeries, kindOf(t, s, Intakes))
	assert.True(t, exists(t, s, BackupName(Intakes)))
}

func TestResumeAfterDropBeforeRecreate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedIntakes(t, s, 8)
	backup := BackupName(Intakes)
	for _, d := range all(t, s, Intakes) {
		require.NoError(t, s.Insert(ctx, backup, d))
	}
	require.NoError(t, s.DropCollection(ctx, Intakes))

	preview := (&StorageMigrator{Store: s, Resume: true, DryRun: true}).Migrate(ctx, Intakes)
	assert.Equal(t, DryPreviewed, preview.State)
	assert.Equal(t, int64(8), preview.SourceCount)

	out := (&StorageMigrator{Store: s, Resume: true}).Migrate(ctx, Intakes)
	require.NoError(t, out.Err)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, int64(8), count(t, s, Intakes))
	assert.Equal(t, store.KindRegular, kindOf(t, s, Intakes))
	assert.False(t, exists(t, s, backup))
}

func TestBackupName(t *testing.T) {
	assert.Equal(t, "intakes_backup_ts", BackupName("intakes"))
}
