// Package migrate holds the migration engine: field backfills, date repair,
// the time-series to regular storage conversion and the intake to food
// linking pass.
package migrate

import (
	"errors"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/timestamp"
)

// Collections touched by the built-in migrations.
const (
	Intakes      = "intakes"
	WellnessLogs = "wellness_logs"
	Symptoms     = "symptoms"
	Foods        = "foods"
)

// Descriptor is one declarative unit of work: the documents of Collection
// matching Filter get the fields Derivations compute.
type Descriptor struct {
	Name        string
	Collection  string
	Filter      document.Filter
	Derivations []Derivation
}

// Targets lists every field the descriptor may write.
func (d Descriptor) Targets() []string {
	var out []string
	for _, der := range d.Derivations {
		out = append(out, der.Targets()...)
	}
	return out
}

// Apply computes the delta for doc. Fields a derivation skipped are returned
// in skipped; err is the first real derivation failure, in which case the
// delta must not be written.
func (d Descriptor) Apply(doc *document.Document) (delta *document.Document, skipped []error, err error) {
	delta = document.New()
	for _, der := range d.Derivations {
		if derr := der.Derive(doc, delta); derr != nil {
			if errors.Is(derr, ErrSkipped) {
				skipped = append(skipped, derr)
				continue
			}
			return nil, skipped, derr
		}
	}
	return delta, skipped, nil
}

// IntakesBackfill adds feeling_scale, meal_type and quantity_type to intakes
// that predate them.
func IntakesBackfill() Descriptor {
	d := Descriptor{
		Name:        "intakes-backfill",
		Collection:  Intakes,
		Derivations: []Derivation{FeelingScale(), MealType(), QuantityType()},
	}
	d.Filter = document.MissingAny(d.Targets()...)
	return d
}

// WellnessBackfill adds digestive_comfort_scale and appetite_scale to
// wellness logs that predate them.
func WellnessBackfill() Descriptor {
	d := Descriptor{
		Name:        "wellness-backfill",
		Collection:  WellnessLogs,
		Derivations: []Derivation{DigestiveComfortScale(), AppetiteScale()},
	}
	d.Filter = document.MissingAny(d.Targets()...)
	return d
}

// Backfill returns the backfill for collection.
func Backfill(collection string) (Descriptor, bool) {
	switch collection {
	case Intakes:
		return IntakesBackfill(), true
	case WellnessLogs:
		return WellnessBackfill(), true
	}
	return Descriptor{}, false
}

// DateFields are the date fields repaired in collection by default.
func DateFields(collection string) []string {
	if collection == Intakes {
		return []string{"timestamp"}
	}
	return []string{"timestamp", "created_at"}
}

// DateFix rewrites the given date fields of collection in canonical form.
// With no fields the collection's DateFields are used.
func DateFix(collection string, policy timestamp.Policy, fields ...string) Descriptor {
	if len(fields) == 0 {
		fields = DateFields(collection)
	}
	d := Descriptor{
		Name:       "fix-dates",
		Collection: collection,
		Filter:     document.PresentAny(fields...),
	}
	for _, f := range fields {
		d.Derivations = append(d.Derivations, TimestampDerivation{Field: f, Policy: policy})
	}
	return d
}
