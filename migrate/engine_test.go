package migrate

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
	"github.com/stevemurr/bionexo-migrate/timestamp"
)

func TestChanged(t *testing.T) {
	d := document.New(
		document.Field{Key: "n", Value: int64(5)},
		document.Field{Key: "ts", Value: t0},
		document.Field{Key: "s", Value: "2024-05-13T10:00:00"},
	)
	assert.False(t, Changed(d, "n", 5))
	assert.False(t, Changed(d, "n", 5.0))
	assert.True(t, Changed(d, "n", 6))
	assert.True(t, Changed(d, "missing", 1))
	assert.False(t, Changed(d, "ts", t0.In(time.FixedZone("", 7200))))
	assert.True(t, Changed(d, "s", t0), "string dates are rewritten as dates")
}

func TestIntakeBackfillScenario(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateCollection(ctx, Intakes, intakesTS))
	require.NoError(t, s.Insert(ctx, Intakes, document.New(
		document.Field{Key: "_id", Value: "a"},
		document.Field{Key: "timestamp", Value: t0},
		document.Field{Key: "feeling", Value: "Con hambre"},
		document.Field{Key: "quantity", Value: 200},
	)))
	require.NoError(t, s.Insert(ctx, Intakes, document.New(
		document.Field{Key: "_id", Value: "b"},
		document.Field{Key: "timestamp", Value: t0},
		document.Field{Key: "meal_type", Value: "Cena"},
	)))

	e := &Engine{Store: s, MaxSamples: 10}
	res, err := e.Run(ctx, IntakesBackfill(), Apply)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Modified)
	assert.Zero(t, res.Errors)
	assert.Len(t, res.Samples, 2)

	a := get(t, s, Intakes, "a")
	assert.Equal(t, int64(1), field(a, "feeling_scale"))
	assert.Equal(t, "Comida", field(a, "meal_type"))
	assert.Equal(t, "gramos", field(a, "quantity_type"))
	assert.Equal(t, "Con hambre", field(a, "feeling"), "legacy field is kept")

	b := get(t, s, Intakes, "b")
	assert.False(t, b.Has("feeling_scale"), "no legacy feeling, nothing derived")
	assert.Equal(t, "Cena", field(b, "meal_type"))
	assert.Equal(t, "descriptiva", field(b, "quantity_type"))
}

func TestWellnessBackfillScenarios(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedWellness(t, s,
		document.New(document.Field{Key: "_id", Value: "two"}, document.Field{Key: "digestive_issues", Value: "Hinchazón, Acidez"}),
		document.New(document.Field{Key: "_id", Value: "none"}, document.Field{Key: "digestive_issues", Value: "Ninguno"}),
		document.New(document.Field{Key: "_id", Value: "na"}, document.Field{Key: "appetite", Value: "N/A"}),
		document.New(document.Field{Key: "_id", Value: "high"}, document.Field{Key: "appetite", Value: "Alto"}),
	)

	res, err := (&Engine{Store: s}).Run(ctx, WellnessBackfill(), Apply)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 3, res.Modified)

	assert.Equal(t, int64(6), field(get(t, s, WellnessLogs, "two"), "digestive_comfort_scale"))
	assert.Equal(t, int64(10), field(get(t, s, WellnessLogs, "none"), "digestive_comfort_scale"))
	na := get(t, s, WellnessLogs, "na")
	assert.False(t, na.Has("appetite_scale"), "unknown appetite stays absent")
	assert.False(t, na.Has("digestive_comfort_scale"))
	assert.Equal(t, int64(9), field(get(t, s, WellnessLogs, "high"), "appetite_scale"))
}

func TestBackfillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedIntakes(t, s, 40)
	e := &Engine{Store: s, BatchSize: 7}

	first, err := e.Run(ctx, IntakesBackfill(), Apply)
	require.NoError(t, err)
	assert.Equal(t, 40, first.Modified)

	second, err := e.Run(ctx, IntakesBackfill(), Apply)
	require.NoError(t, err)
	assert.Zero(t, second.Modified)
	assert.Zero(t, second.Errors)
	assert.Equal(t, int64(40), count(t, s, Intakes))
}

func TestDryRunMatchesApply(t *testing.T) {
	ctx := context.Background()
	dry := store.NewMemoryStore()
	wet := store.NewMemoryStore()
	seedIntakes(t, dry, 25)
	seedIntakes(t, wet, 25)
	before := all(t, dry, Intakes)

	dres, err := (&Engine{Store: dry}).Run(ctx, IntakesBackfill(), DryRun)
	require.NoError(t, err)
	ares, err := (&Engine{Store: wet}).Run(ctx, IntakesBackfill(), Apply)
	require.NoError(t, err)

	assert.True(t, dres.DryRun)
	assert.Equal(t, ares.Modified, dres.Modified)
	assert.Equal(t, ares.Total, dres.Total)

	after := all(t, dry, Intakes)
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].Equal(after[i]), "dry run must not write")
	}
}

func TestScaleBounds(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedIntakes(t, s, 30)
	seedWellness(t, s,
		document.New(document.Field{Key: "digestive_issues", Value: []any{"Hinchazón", "Estreñimiento", "Diarrea", "Reflujo", "Acidez"}}),
		document.New(document.Field{Key: "digestive_issues", Value: ""}, document.Field{Key: "appetite", Value: "bajo"}),
		document.New(document.Field{Key: "digestive_issues", Value: 12}, document.Field{Key: "appetite", Value: 3}),
	)
	e := &Engine{Store: s}
	for _, d := range []Descriptor{IntakesBackfill(), WellnessBackfill()} {
		_, err := e.Run(ctx, d, Apply)
		require.NoError(t, err)
	}
	for _, coll := range []string{Intakes, WellnessLogs} {
		for _, d := range all(t, s, coll) {
			for _, f := range []string{"feeling_scale", "appetite_scale", "digestive_comfort_scale"} {
				v, ok := d.Get(f)
				if !ok {
					continue
				}
				n := v.(int64)
				assert.GreaterOrEqual(t, n, int64(1), "%s %s", d.Key(), f)
				assert.LessOrEqual(t, n, int64(10), "%s %s", d.Key(), f)
			}
		}
	}
}

type failOn struct{ key string }

func (f failOn) Targets() []string { return []string{"x"} }

func (f failOn) Derive(doc, delta *document.Document) error {
	if doc.Key() == f.key {
		return errors.New("malformed legacy value")
	}
	delta.Set("x", 1)
	return nil
}

func TestPerDocumentErrorsDoNotAbort(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedIntakes(t, s, 5)

	d := Descriptor{Name: "x", Collection: Intakes, Filter: document.MissingAny("x"), Derivations: []Derivation{failOn{key: "in-0002"}}}
	res, err := (&Engine{Store: s}).Run(ctx, d, Apply)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 4, res.Modified)
	assert.Equal(t, 1, res.Errors)
	assert.False(t, get(t, s, Intakes, "in-0002").Has("x"))
}

func TestReplaceFailureRestoresDocument(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	seedIntakes(t, mem, 4)
	fs := &faultStore{Store: mem, insertColl: Intakes, insertFailures: 1}

	res, err := (&Engine{Store: fs}).Run(ctx, IntakesBackfill(), Apply)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 3, res.Modified)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, int64(4), count(t, mem, Intakes), "failed replace must not lose the document")

	again, err := (&Engine{Store: mem}).Run(ctx, IntakesBackfill(), Apply)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Modified, "the failed document is picked up by the next run")
}

func TestRunOnRegularCollectionUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Insert(ctx, WellnessLogs, document.New(
		document.Field{Key: "_id", Value: "w"},
		document.Field{Key: "appetite", Value: "Normal"},
	)))
	res, err := (&Engine{Store: s}).Run(ctx, WellnessBackfill(), Apply)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified)
	w := get(t, s, WellnessLogs, "w")
	assert.Equal(t, int64(5), field(w, "appetite_scale"))
	assert.Equal(t, []string{"_id", "appetite", "appetite_scale"}, w.Keys())
}

func TestRunMissingCollection(t *testing.T) {
	res, err := (&Engine{Store: store.NewMemoryStore()}).Run(context.Background(), IntakesBackfill(), Apply)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestRunCanceled(t *testing.T) {
	s := store.NewMemoryStore()
	seedIntakes(t, s, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Engine{Store: s}).Run(ctx, IntakesBackfill(), Apply)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDateFix(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.InsertMany(ctx, WellnessLogs, []*document.Document{
		document.New(
			document.Field{Key: "_id", Value: "swap"},
			document.Field{Key: "timestamp", Value: "2024-13-05T10:00:00"},
			document.Field{Key: "created_at", Value: t0},
		),
		document.New(
			document.Field{Key: "_id", Value: "garbage"},
			document.Field{Key: "timestamp", Value: "ayer por la tarde"},
		),
		document.New(
			document.Field{Key: "_id", Value: "sub-ms"},
			document.Field{Key: "created_at", Value: t0.Add(123456 * time.Nanosecond)},
		),
		document.New(document.Field{Key: "_id", Value: "no-dates"}),
	}))

	d := DateFix(WellnessLogs, timestamp.Policy{FixSwapOnInvalidMonth: true})
	e := &Engine{Store: s}
	res, err := e.Run(ctx, d, Apply)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total, "documents without date fields are not selected")
	assert.Equal(t, 2, res.Modified)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Errors)

	swap := get(t, s, WellnessLogs, "swap")
	assert.Equal(t, time.Date(2024, 5, 13, 10, 0, 0, 0, time.UTC), field(swap, "timestamp"))
	assert.Equal(t, "ayer por la tarde", field(get(t, s, WellnessLogs, "garbage"), "timestamp"))
	assert.Equal(t, t0, field(get(t, s, WellnessLogs, "sub-ms"), "created_at"))

	again, err := e.Run(ctx, d, Apply)
	require.NoError(t, err)
	assert.Zero(t, again.Modified)
}

func TestDateFixZoneField(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Insert(ctx, WellnessLogs, document.New(
		document.Field{Key: "_id", Value: "mx"},
		document.Field{Key: "timestamp", Value: "2024-05-13 08:00"},
		document.Field{Key: "tz", Value: "America/Mexico_City"},
	)))
	require.NoError(t, s.Insert(ctx, WellnessLogs, document.New(
		document.Field{Key: "_id", Value: "bad-zone"},
		document.Field{Key: "timestamp", Value: "2024-05-13 08:00"},
		document.Field{Key: "tz", Value: "Nowhere/Special"},
	)))
	res, err := (&Engine{Store: s}).Run(ctx, DateFix(WellnessLogs, timestamp.Policy{ZoneField: "tz"}, "timestamp"), Apply)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, time.Date(2024, 5, 13, 14, 0, 0, 0, time.UTC), field(get(t, s, WellnessLogs, "mx"), "timestamp"))
}

func TestDateFields(t *testing.T) {
	assert.Equal(t, []string{"timestamp"}, DateFields(Intakes))
	assert.Equal(t, []string{"timestamp", "created_at"}, DateFields(WellnessLogs))
	assert.Equal(t, []string{"timestamp", "created_at"}, DateFields(Symptoms))
}
