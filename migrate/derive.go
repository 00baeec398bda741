package migrate

import (
	"errors"
	"fmt"
	"time"

	"github.com/stevemurr/bionexo-migrate/convert"
	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/timestamp"
)

// ErrSkipped marks a field a derivation chose to leave alone, such as a date
// string that does not parse. It is reported but is not a document error.
var ErrSkipped = errors.New("skipped")

// A Derivation computes new field values for one document. Derive adds the
// fields that need writing to delta and must add nothing when the stored
// values are already current.
type Derivation interface {
	Targets() []string
	Derive(doc, delta *document.Document) error
}

// Changed reports whether storing value in field would change doc. Numbers
// compare by value and dates as instants. A date stored in any other
// representation is always rewritten.
func Changed(doc *document.Document, field string, value any) bool {
	stored, ok := doc.Get(field)
	if !ok {
		return true
	}
	if _, isTime := document.Normalize(value).(time.Time); isTime {
		if _, storedTime := stored.(time.Time); !storedTime {
			return true
		}
	}
	return !document.ValuesEqual(stored, value)
}

// ScaleDerivation backfills Target from the legacy Source field. It only
// fires when Source is present and Target is not; values already derived are
// never recomputed.
type ScaleDerivation struct {
	Source  string
	Target  string
	Convert func(any) (int, bool)
}

func (d ScaleDerivation) Targets() []string { return []string{d.Target} }

func (d ScaleDerivation) Derive(doc, delta *document.Document) error {
	if doc.Has(d.Target) {
		return nil
	}
	legacy, ok := doc.Get(d.Source)
	if !ok {
		return nil
	}
	v, ok := d.Convert(legacy)
	if !ok {
		return nil
	}
	if v < convert.MinScale || v > convert.MaxScale {
		return fmt.Errorf("%s: %d out of range", d.Target, v)
	}
	if Changed(doc, d.Target, v) {
		delta.Set(d.Target, v)
	}
	return nil
}

// FeelingScale derives feeling_scale from feeling.
func FeelingScale() ScaleDerivation {
	return ScaleDerivation{
		Source: "feeling",
		Target: "feeling_scale",
		Convert: func(v any) (int, bool) {
			return convert.FeelingScale(v), true
		},
	}
}

// AppetiteScale derives appetite_scale from appetite.
func AppetiteScale() ScaleDerivation {
	return ScaleDerivation{Source: "appetite", Target: "appetite_scale", Convert: convert.AppetiteScale}
}

// DigestiveComfortScale derives digestive_comfort_scale from
// digestive_issues.
func DigestiveComfortScale() ScaleDerivation {
	return ScaleDerivation{
		Source: "digestive_issues",
		Target: "digestive_comfort_scale",
		Convert: func(v any) (int, bool) {
			return convert.DigestiveComfortScale(v), true
		},
	}
}

// DefaultDerivation fills Target when it is missing. Value sees the whole
// document so defaults may depend on other fields.
type DefaultDerivation struct {
	Target string
	Value  func(doc *document.Document) any
}

func (d DefaultDerivation) Targets() []string { return []string{d.Target} }

func (d DefaultDerivation) Derive(doc, delta *document.Document) error {
	if doc.Has(d.Target) {
		return nil
	}
	delta.Set(d.Target, d.Value(doc))
	return nil
}

// MealType defaults meal_type to "Comida".
func MealType() DefaultDerivation {
	return DefaultDerivation{
		Target: "meal_type",
		Value:  func(*document.Document) any { return "Comida" },
	}
}

// QuantityType defaults quantity_type to "gramos" when the intake records a
// quantity and to "descriptiva" otherwise.
func QuantityType() DefaultDerivation {
	return DefaultDerivation{
		Target: "quantity_type",
		Value: func(doc *document.Document) any {
			if q, _ := doc.Get("quantity"); document.Truthy(q) {
				return "gramos"
			}
			return "descriptiva"
		},
	}
}

// TimestampDerivation rewrites Field in canonical form.
type TimestampDerivation struct {
	Field  string
	Policy timestamp.Policy
}

func (d TimestampDerivation) Targets() []string { return []string{d.Field} }

func (d TimestampDerivation) Derive(doc, delta *document.Document) error {
	v, ok := doc.Get(d.Field)
	if !ok || v == nil {
		return nil
	}
	var zoneName string
	if d.Policy.ZoneField != "" {
		zoneName, _ = doc.String(d.Policy.ZoneField)
	}
	zone, err := d.Policy.Zone(zoneName)
	if err != nil {
		return err
	}
	t, err := timestamp.Normalize(v, zone, d.Policy)
	if errors.Is(err, timestamp.ErrCannotNormalize) || errors.Is(err, timestamp.ErrInvalidDate) {
		return fmt.Errorf("%s: %w: %w", d.Field, ErrSkipped, err)
	}
	if err != nil {
		return err
	}
	if Changed(doc, d.Field, t) {
		delta.Set(d.Field, t)
	}
	return nil
}
