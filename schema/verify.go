package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
)

func scale() map[string]any {
	return map[string]any{"type": "integer", "minimum": 1, "maximum": 10}
}

// ScaleSchema accepts documents whose derived fields, when present, hold
// a 1-10 integer scale and whose date fields hold dates.
var ScaleSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"feeling_scale":           scale(),
		"appetite_scale":          scale(),
		"digestive_comfort_scale": scale(),
		"timestamp":               map[string]any{"type": "date"},
		"created_at":              map[string]any{"type": "date"},
	},
}

// LegacyFields maps each derived field to the legacy field it replaces.
var LegacyFields = map[string]string{
	"feeling_scale":           "feeling",
	"appetite_scale":          "appetite",
	"digestive_comfort_scale": "digestive_issues",
}

// maxViolations caps VerifyReport.Violations.
const maxViolations = 20

// VerifyReport is the state of a collection after a migration.
type VerifyReport struct {
	Collection string `json:"collection"`
	Total      int64  `json:"total"`
	Invalid    int64  `json:"invalid"`
	// Violations holds the first validation errors, keyed by document.
	Violations []string `json:"violations,omitempty"`
	// FieldCounts counts documents holding each schema property and each
	// legacy field.
	FieldCounts map[string]int64 `json:"field_counts"`
	// LegacyOnly counts, per derived field, documents that still hold only
	// the legacy field.
	LegacyOnly map[string]int64 `json:"legacy_only"`
}

// OK reports whether every document validated.
func (r VerifyReport) OK() bool {
	return r.Invalid == 0
}

// Verify validates every document of collection against schema and
// gathers field coverage.
func Verify(ctx context.Context, s store.Store, collection string, schema map[string]any) (VerifyReport, error) {
	rep := VerifyReport{
		Collection:  collection,
		FieldCounts: map[string]int64{},
		LegacyOnly:  map[string]int64{},
	}
	var tracked []string
	props, _ := schema["properties"].(map[string]any)
	for f := range props {
		tracked = append(tracked, f)
	}
	for _, legacy := range LegacyFields {
		tracked = append(tracked, legacy)
	}
	sort.Strings(tracked)

	err := s.Find(ctx, collection, document.All, store.DefaultBatchSize, func(d *document.Document) error {
		rep.Total++
		if err := Validate(schema, d); err != nil {
			rep.Invalid++
			if len(rep.Violations) < maxViolations {
				rep.Violations = append(rep.Violations, fmt.Sprintf("%s: %v", d.Key(), err))
			}
		}
		for _, f := range tracked {
			if d.Has(f) {
				rep.FieldCounts[f]++
			}
		}
		for derived, legacy := range LegacyFields {
			if d.Has(legacy) && !d.Has(derived) {
				rep.LegacyOnly[derived]++
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("verify %s: %w", collection, err)
	}
	return rep, nil
}
