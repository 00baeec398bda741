package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
)

func intakeDoc(id, user, food string, at time.Time, kcal, qty any) *document.Document {
	d := document.New(
		document.Field{Key: "_id", Value: id},
		document.Field{Key: "user_id", Value: user},
		document.Field{Key: "timestamp", Value: at},
		document.Field{Key: "food_name", Value: food},
		document.Field{Key: "ingredients", Value: []any{"arroz", "sal"}},
	)
	if kcal != nil {
		d.Set("kcal", kcal)
	}
	if qty != nil {
		d.Set("quantity", qty)
	}
	return d
}

func seedFoodHistory(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, Intakes, intakesTS))
	require.NoError(t, s.InsertMany(ctx, Intakes, []*document.Document{
		intakeDoc("i1", "ana@example.com", "arroz blanco", t0, 100, 100),
		intakeDoc("i2", "ana@example.com", "Arroz Blanco", t0.Add(time.Hour), 260, 200),
		intakeDoc("i3", "ana@example.com", "Pollo", t0, nil, nil),
		intakeDoc("i4", "luis@example.com", "Manzana", t0, 52, 100),
	}))
}

func TestFoodLinker(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFoodHistory(t, s)
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l := &FoodLinker{Store: s, Now: func() time.Time { return fixed }}

	dry, err := l.Link(ctx, "ana@example.com", DryRun)
	require.NoError(t, err)
	assert.Equal(t, LinkResult{User: "ana@example.com", DryRun: true, Intakes: 3, UniqueFoods: 2, FoodsCreated: 2, IntakesUpdated: 3}, dry)
	assert.Zero(t, count(t, s, Foods), "dry run writes nothing")

	res, err := l.Link(ctx, "ana@example.com", Apply)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FoodsCreated)
	assert.Equal(t, 3, res.IntakesUpdated)
	assert.Zero(t, res.Errors)

	foods := all(t, s, Foods)
	require.Len(t, foods, 2)
	byName := map[string]*document.Document{}
	for _, f := range foods {
		name, _ := f.String("name")
		byName[name] = f
	}
	arroz := byName["Arroz Blanco"]
	require.NotNil(t, arroz, "the most recent spelling names the food")
	assert.Equal(t, 130.0, field(arroz, "kcal_per_100g"))
	assert.Equal(t, true, field(arroz, "user_created"))
	assert.Equal(t, []any{MigratedTag}, field(arroz, "tags"))
	assert.Equal(t, 0.0, field(byName["Pollo"], "kcal_per_100g"))

	assert.Equal(t, arroz.Key(), field(get(t, s, Intakes, "i1"), "food_id"))
	assert.Equal(t, arroz.Key(), field(get(t, s, Intakes, "i2"), "food_id"))
	assert.False(t, get(t, s, Intakes, "i4").Has("food_id"), "other users untouched")

	again, err := l.Link(ctx, "ana@example.com", Apply)
	require.NoError(t, err)
	assert.Zero(t, again.FoodsCreated)
	assert.Zero(t, again.FoodsUpdated)
	assert.Zero(t, again.IntakesUpdated)
	assert.Equal(t, int64(2), count(t, s, Foods))
}

func TestFoodLinkerUpdatesExistingFood(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFoodHistory(t, s)
	require.NoError(t, s.Insert(ctx, Foods, document.New(
		document.Field{Key: "_id", Value: "manzana-id"},
		document.Field{Key: "name", Value: "MANZANA"},
		document.Field{Key: "kcal_per_100g", Value: 40.0},
	)))

	res, err := (&FoodLinker{Store: s}).Link(ctx, "", Apply)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Intakes)
	assert.Equal(t, 3, res.UniqueFoods)
	assert.Equal(t, 2, res.FoodsCreated)
	assert.Equal(t, 1, res.FoodsUpdated)
	assert.Equal(t, 4, res.IntakesUpdated)

	manzana := get(t, s, Foods, "manzana-id")
	assert.Equal(t, 52.0, field(manzana, "kcal_per_100g"))
	assert.Equal(t, "manzana-id", field(get(t, s, Intakes, "i4"), "food_id"))
}

func TestFoodStats(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedFoodHistory(t, s)
	l := &FoodLinker{Store: s}
	_, err := l.Link(ctx, "luis@example.com", Apply)
	require.NoError(t, err)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Intakes)
	assert.Equal(t, int64(1), st.WithFoodID)
	assert.Equal(t, int64(1), st.Foods)
	assert.Equal(t, int64(1), st.UserCreated)
	assert.Equal(t, []UserFoodCounts{
		{User: "ana@example.com", Intakes: 3},
		{User: "luis@example.com", Intakes: 1, WithFoodID: 1},
	}, st.ByUser)
}

func TestFoodLinkerWithoutIntakes(t *testing.T) {
	res, err := (&FoodLinker{Store: store.NewMemoryStore()}).Link(context.Background(), "", Apply)
	require.NoError(t, err)
	assert.Zero(t, res.UniqueFoods)
}
