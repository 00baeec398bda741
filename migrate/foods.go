package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
)

// MigratedTag marks foods created from intake history.
const MigratedTag = "migrated_from_intake"

// LinkResult summarizes a food linking run. In a dry run the counts are what
// an apply run would do.
type LinkResult struct {
	User           string `json:"user,omitempty"`
	DryRun         bool   `json:"dry_run"`
	Intakes        int    `json:"intakes"`
	UniqueFoods    int    `json:"unique_foods"`
	FoodsCreated   int    `json:"foods_created"`
	FoodsUpdated   int    `json:"foods_updated"`
	IntakesUpdated int    `json:"intakes_updated"`
	Errors         int    `json:"errors"`
}

// FoodLinker builds the foods catalog from intake history and points every
// intake at its food through food_id. Foods are matched by case-insensitive
// name.
type FoodLinker struct {
	Store     store.Store
	BatchSize int
	Logger    *slog.Logger
	// Now stamps created_at and updated_at. Defaults to time.Now.
	Now func() time.Time
}

func (l *FoodLinker) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *FoodLinker) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

type foodGroup struct {
	name        string
	latest      time.Time
	ingredients any
	kcal        any
	quantity    any
	count       int
}

func foodKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func userFilter(user string) document.Filter {
	if user == "" {
		return document.All
	}
	return document.Filter{Equal: map[string]any{"user_id": user}}
}

// Link runs the linking pass for user, or for every user when user is empty.
func (l *FoodLinker) Link(ctx context.Context, user string, mode Mode) (LinkResult, error) {
	res := LinkResult{User: user, DryRun: mode == DryRun}
	log := l.logger().With("user", user, "mode", mode.String())

	info, err := l.Store.CollectionInfo(ctx, Intakes)
	if errors.Is(err, store.ErrCollectionNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	groups := map[string]*foodGroup{}
	err = l.Store.Find(ctx, Intakes, userFilter(user), l.BatchSize, func(d *document.Document) error {
		res.Intakes++
		name, _ := d.String("food_name")
		if name == "" {
			name = "Unknown"
		}
		key := foodKey(name)
		ts, _ := d.Get("timestamp")
		t, _ := ts.(time.Time)
		g, ok := groups[key]
		if !ok {
			g = &foodGroup{name: name}
			groups[key] = g
		}
		g.count++
		// The most recent intake describes the food.
		if !ok || t.After(g.latest) {
			g.name = name
			g.latest = t
			g.ingredients, _ = d.Get("ingredients")
			g.kcal, _ = d.Get("kcal")
			g.quantity, _ = d.Get("quantity")
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scan intakes: %w", err)
	}
	res.UniqueFoods = len(groups)

	existing, err := l.foodsByName(ctx)
	if err != nil {
		return res, err
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ids := map[string]string{}
	for _, k := range keys {
		g := groups[k]
		food := l.foodDocument(g)
		if cur, ok := existing[k]; ok {
			ids[k] = cur.Key()
			delta := document.New()
			food.Range(func(field string, v any) bool {
				if field != "created_at" && field != "updated_at" && Changed(cur, field, v) {
					delta.Set(field, v)
				}
				return true
			})
			if delta.Len() == 0 {
				continue
			}
			res.FoodsUpdated++
			if mode == DryRun {
				continue
			}
			delta.Set("updated_at", l.now().UTC())
			id, _ := cur.ID()
			if err := l.Store.Update(ctx, Foods, id, delta); err != nil {
				res.FoodsUpdated--
				res.Errors++
				log.Warn("food update failed", "food", g.name, "error", err)
			}
			continue
		}
		res.FoodsCreated++
		if mode == DryRun {
			ids[k] = ""
			continue
		}
		food.Set(document.IDField, document.NewID())
		if err := l.Store.Insert(ctx, Foods, food); err != nil {
			res.FoodsCreated--
			res.Errors++
			log.Warn("food insert failed", "food", g.name, "error", err)
			continue
		}
		ids[k] = food.Key()
		log.Debug("food created", "food", g.name, "intakes", g.count)
	}

	seen := map[string]struct{}{}
	err = l.Store.Find(ctx, Intakes, userFilter(user), l.BatchSize, func(d *document.Document) error {
		key := d.Key()
		if _, dup := seen[key]; dup {
			return nil
		}
		seen[key] = struct{}{}
		name, _ := d.String("food_name")
		if name == "" {
			name = "Unknown"
		}
		id, ok := ids[foodKey(name)]
		if !ok {
			return nil
		}
		if id == "" {
			// New food in a dry run: every intake would be linked.
			res.IntakesUpdated++
			return nil
		}
		if !Changed(d, "food_id", id) {
			return nil
		}
		if mode == Apply {
			delta := document.New(document.Field{Key: "food_id", Value: id})
			if err := store.Apply(ctx, l.Store, info, d, delta); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				res.Errors++
				log.Warn("intake link failed", "key", key, "error", err)
				return nil
			}
		}
		res.IntakesUpdated++
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("link intakes: %w", err)
	}
	log.Info("food linking finished", "unique_foods", res.UniqueFoods, "created", res.FoodsCreated,
		"updated", res.FoodsUpdated, "intakes_updated", res.IntakesUpdated, "errors", res.Errors)
	return res, nil
}

func (l *FoodLinker) foodsByName(ctx context.Context) (map[string]*document.Document, error) {
	out := map[string]*document.Document{}
	err := l.Store.Find(ctx, Foods, document.All, l.BatchSize, func(d *document.Document) error {
		name, _ := d.String("name")
		k := foodKey(name)
		if _, dup := out[k]; !dup {
			out[k] = d
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan foods: %w", err)
	}
	return out, nil
}

func (l *FoodLinker) foodDocument(g *foodGroup) *document.Document {
	ingredients := []any{}
	if list, ok := g.ingredients.([]any); ok {
		ingredients = list
	}
	kcalPer100g := 0.0
	if document.Truthy(g.kcal) && document.Truthy(g.quantity) {
		kcal, err1 := cast.ToFloat64E(g.kcal)
		qty, err2 := cast.ToFloat64E(g.quantity)
		if err1 == nil && err2 == nil && qty != 0 {
			kcalPer100g = kcal * 100 / qty
		}
	}
	now := l.now().UTC()
	return document.New(
		document.Field{Key: "name", Value: g.name},
		document.Field{Key: "ingredients", Value: ingredients},
		document.Field{Key: "kcal_per_100g", Value: kcalPer100g},
		document.Field{Key: "user_created", Value: true},
		document.Field{Key: "tags", Value: []any{MigratedTag}},
		document.Field{Key: "created_at", Value: now},
		document.Field{Key: "updated_at", Value: now},
	)
}

// FoodStats reports how much of the intake history is linked to foods.
type FoodStats struct {
	Intakes     int64            `json:"intakes"`
	WithFoodID  int64            `json:"with_food_id"`
	Foods       int64            `json:"foods"`
	UserCreated int64            `json:"user_created"`
	ByUser      []UserFoodCounts `json:"by_user"`
}

// UserFoodCounts is the linking coverage of one user.
type UserFoodCounts struct {
	User       string `json:"user"`
	Intakes    int64  `json:"intakes"`
	WithFoodID int64  `json:"with_food_id"`
}

// Stats computes FoodStats.
func (l *FoodLinker) Stats(ctx context.Context) (FoodStats, error) {
	var st FoodStats
	users := map[string]*UserFoodCounts{}
	err := l.Store.Find(ctx, Intakes, document.All, l.BatchSize, func(d *document.Document) error {
		st.Intakes++
		u, _ := d.Get("user_id")
		name := document.KeyString(u)
		uc, ok := users[name]
		if !ok {
			uc = &UserFoodCounts{User: name}
			users[name] = uc
		}
		uc.Intakes++
		if v, ok := d.Get("food_id"); ok && v != nil {
			st.WithFoodID++
			uc.WithFoodID++
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	err = l.Store.Find(ctx, Foods, document.All, l.BatchSize, func(d *document.Document) error {
		st.Foods++
		if v, _ := d.Get("user_created"); v == true {
			st.UserCreated++
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	for _, uc := range users {
		st.ByUser = append(st.ByUser, *uc)
	}
	sort.Slice(st.ByUser, func(i, j int) bool { return st.ByUser[i].User < st.ByUser[j].User })
	return st, nil
}
