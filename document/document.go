// Package document models the schema-flexible records held in a collection.
//
// A Document is an insertion-ordered map of field name to value. Legacy and
// derived fields coexist unpredictably across documents of the same logical
// type, so there is no fixed record type: values are restricted to a closed
// set of Go types (see Normalize) and everything else is coerced on Set.
package document

import (
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDField is the name of the immutable unique key of every document.
const IDField = "_id"

// Field is a single key/value pair used to build documents in order.
type Field struct {
	Key   string
	Value any
}

// Document is an ordered field map. The zero value is not usable; use New.
type Document struct {
	fields *orderedmap.OrderedMap[string, any]
}

// New builds a document from fields, keeping their order.
func New(fields ...Field) *Document {
	d := &Document{fields: orderedmap.New[string, any]()}
	for _, f := range fields {
		d.Set(f.Key, f.Value)
	}
	return d
}

// FromMap builds a document from a plain map. Map iteration order is random,
// so keys are sorted with _id first to keep the result deterministic.
func FromMap(m map[string]any) *Document {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == IDField {
			return true
		}
		if keys[j] == IDField {
			return false
		}
		return keys[i] < keys[j]
	})
	d := New()
	for _, k := range keys {
		d.Set(k, m[k])
	}
	return d
}

// NewID mints a fresh unique key.
func NewID() primitive.ObjectID {
	return primitive.NewObjectID()
}

// Get returns the value stored under key.
func (d *Document) Get(key string) (any, bool) {
	if d == nil || d.fields == nil {
		return nil, false
	}
	return d.fields.Get(key)
}

// Has reports whether key is present, even when its value is nil.
func (d *Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// String returns the value under key when it is a string.
func (d *Document) String(key string) (string, bool) {
	v, ok := d.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores value under key. Existing keys keep their position.
func (d *Document) Set(key string, value any) {
	if d.fields == nil {
		d.fields = orderedmap.New[string, any]()
	}
	d.fields.Set(key, Normalize(value))
}

// Delete removes key and reports whether it was present.
func (d *Document) Delete(key string) bool {
	if d == nil || d.fields == nil {
		return false
	}
	_, ok := d.fields.Delete(key)
	return ok
}

// Len returns the number of fields.
func (d *Document) Len() int {
	if d == nil || d.fields == nil {
		return 0
	}
	return d.fields.Len()
}

// Keys returns field names in insertion order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, d.Len())
	d.Range(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Range calls fn for each field in order until fn returns false.
func (d *Document) Range(fn func(key string, value any) bool) {
	if d == nil || d.fields == nil {
		return
	}
	for p := d.fields.Oldest(); p != nil; p = p.Next() {
		if !fn(p.Key, p.Value) {
			return
		}
	}
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := New()
	d.Range(func(k string, v any) bool {
		out.fields.Set(k, cloneValue(v))
		return true
	})
	return out
}

// Merge returns a new document holding d's fields overlaid with delta's.
// Fields only in delta are appended after d's fields. Neither input is
// modified.
func (d *Document) Merge(delta *Document) *Document {
	out := d.Clone()
	if out == nil {
		out = New()
	}
	delta.Range(func(k string, v any) bool {
		out.fields.Set(k, cloneValue(v))
		return true
	})
	return out
}

// ID returns the document's unique key.
func (d *Document) ID() (any, bool) {
	return d.Get(IDField)
}

// Key returns the string form of the unique key, or "" when the document
// has none.
func (d *Document) Key() string {
	id, ok := d.ID()
	if !ok {
		return ""
	}
	return KeyString(id)
}

// Map converts the document to plain Go maps, recursively.
func (d *Document) Map() map[string]any {
	out := make(map[string]any, d.Len())
	d.Range(func(k string, v any) bool {
		out[k] = plainValue(v)
		return true
	})
	return out
}

// Equal reports whether both documents hold the same fields with equal
// values. Field order is ignored.
func (d *Document) Equal(other *Document) bool {
	if d.Len() != other.Len() {
		return false
	}
	equal := true
	d.Range(func(k string, v any) bool {
		ov, ok := other.Get(k)
		if !ok || !ValuesEqual(v, ov) {
			equal = false
		}
		return equal
	})
	return equal
}

func plainValue(v any) any {
	switch x := v.(type) {
	case *Document:
		return x.Map()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainValue(e)
		}
		return out
	default:
		return x
	}
}
