// Package schema validates stored documents against a JSON Schema subset and
// verifies collections after a migration.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/stevemurr/bionexo-migrate/document"
)

// Violation is the first schema rule a value breaks.
type Violation struct {
	Path    string // "$" for the document itself, "$.field[2]" below it
	Keyword string
	Msg     string
}

func (v *Violation) Error() string {
	return v.Path + ": " + v.Msg
}

func violation(path, keyword, format string, args ...any) *Violation {
	return &Violation{Path: path, Keyword: keyword, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks a document against a JSON Schema (draft-07 subset) and
// returns a *Violation, or nil when the document passes or schema is nil.
//
// Keywords: type (the JSON types plus date, objectId and binary for values
// read back from the store), enum, properties, required,
// additionalProperties, items, minItems, maxItems, minLength, maxLength,
// minimum, maximum, exclusiveMinimum, exclusiveMaximum.
func Validate(schema map[string]any, doc *document.Document) error {
	if schema == nil {
		return nil
	}
	if v := check(schema, doc, "$"); v != nil {
		return v
	}
	return nil
}

func check(schema map[string]any, value any, path string) *Violation {
	value = document.Normalize(value)

	if want, ok := schema["type"].(string); ok {
		if got := kindOf(value); !typeMatches(want, got, value) {
			return violation(path, "type", "expected type %q, got %q", want, got)
		}
	}
	if allowed, ok := schema["enum"].([]any); ok && !inEnum(allowed, value) {
		return violation(path, "enum", "value not in enum %v", allowed)
	}

	switch v := value.(type) {
	case *document.Document:
		return checkObject(schema, v, path)
	case []any:
		if vi := checkLimits(schema, itemLimits, float64(len(v)), path); vi != nil {
			return vi
		}
		if items, ok := schema["items"].(map[string]any); ok {
			for i, elem := range v {
				if vi := check(items, elem, fmt.Sprintf("%s[%d]", path, i)); vi != nil {
					return vi
				}
			}
		}
	case string:
		return checkLimits(schema, lengthLimits, float64(len([]rune(v))), path)
	case float64:
		return checkLimits(schema, numberLimits, v, path)
	case int64:
		return checkLimits(schema, numberLimits, float64(v), path)
	}
	return nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case *document.Document:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case int64:
		return "integer"
	case time.Time:
		return "date"
	case primitive.ObjectID:
		return "objectId"
	case []byte:
		return "binary"
	}
	return fmt.Sprintf("%T", v)
}

func typeMatches(want, got string, v any) bool {
	switch {
	case want == got:
		return true
	case want == "number":
		return got == "integer"
	case want == "integer":
		// Legacy writers stored scales as doubles; whole values count.
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	}
	return false
}

func inEnum(allowed []any, v any) bool {
	for _, a := range allowed {
		if document.ValuesEqual(a, v) {
			return true
		}
	}
	return false
}

func checkObject(schema map[string]any, obj *document.Document, path string) *Violation {
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if field, ok := r.(string); ok && !obj.Has(field) {
				return violation(path, "required", "missing required field %q", field)
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	// Sorted so the reported violation is stable.
	sort.Strings(names)
	for _, name := range names {
		sub, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if val, present := obj.Get(name); present {
			if vi := check(sub, val, path+"."+name); vi != nil {
				return vi
			}
		}
	}

	if closed, ok := schema["additionalProperties"].(bool); ok && !closed {
		var extra []string
		for _, key := range obj.Keys() {
			if _, known := props[key]; !known && key != document.IDField {
				extra = append(extra, key)
			}
		}
		if len(extra) > 0 {
			return violation(path, "additionalProperties", "additional properties not allowed: %s", strings.Join(extra, ", "))
		}
	}
	return nil
}

// limit is one numeric bound keyword applied to a measured quantity: the
// value itself, a string's rune count or an array's length.
type limit struct {
	keyword string
	breaks  func(n, bound float64) bool
	text    string
}

var (
	below     = func(n, b float64) bool { return n < b }
	above     = func(n, b float64) bool { return n > b }
	atOrBelow = func(n, b float64) bool { return n <= b }
	atOrAbove = func(n, b float64) bool { return n >= b }
)

var (
	numberLimits = []limit{
		{"minimum", below, "%v is less than minimum %v"},
		{"maximum", above, "%v is greater than maximum %v"},
		{"exclusiveMinimum", atOrBelow, "%v is not greater than exclusiveMinimum %v"},
		{"exclusiveMaximum", atOrAbove, "%v is not less than exclusiveMaximum %v"},
	}
	lengthLimits = []limit{
		{"minLength", below, "string length %v is less than minLength %v"},
		{"maxLength", above, "string length %v is greater than maxLength %v"},
	}
	itemLimits = []limit{
		{"minItems", below, "array length %v is less than minItems %v"},
		{"maxItems", above, "array length %v is greater than maxItems %v"},
	}
)

func checkLimits(schema map[string]any, limits []limit, n float64, path string) *Violation {
	for _, l := range limits {
		raw, ok := schema[l.keyword]
		if !ok || raw == nil {
			continue
		}
		// Schemas come from Go literals, YAML or JSON: ints, floats and
		// numeric strings all occur.
		bound, err := cast.ToFloat64E(raw)
		if err != nil {
			continue
		}
		if l.breaks(n, bound) {
			return violation(path, l.keyword, l.text, n, bound)
		}
	}
	return nil
}
