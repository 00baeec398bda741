package document

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ToBSON converts the document to an ordered BSON document.
func (d *Document) ToBSON() bson.D {
	out := make(bson.D, 0, d.Len())
	d.Range(func(k string, v any) bool {
		out = append(out, bson.E{Key: k, Value: toBSONValue(v)})
		return true
	})
	return out
}

func toBSONValue(v any) any {
	switch x := v.(type) {
	case *Document:
		return x.ToBSON()
	case []any:
		out := make(bson.A, len(x))
		for i, e := range x {
			out[i] = toBSONValue(e)
		}
		return out
	default:
		return x
	}
}

// FromBSON converts an ordered BSON document, normalizing every value.
func FromBSON(in bson.D) *Document {
	d := New()
	for _, e := range in {
		d.Set(e.Key, e.Value)
	}
	return d
}

// FromRaw decodes raw BSON bytes.
func FromRaw(raw bson.Raw) (*Document, error) {
	var in bson.D
	if err := bson.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode bson document: %w", err)
	}
	return FromBSON(in), nil
}

// MarshalExtJSON encodes the document as MongoDB Extended JSON. Canonical
// mode keeps every type (int32 vs int64, dates, binary) lossless and is what
// the file backends persist.
func (d *Document) MarshalExtJSON(canonical bool) ([]byte, error) {
	return bson.MarshalExtJSON(d.ToBSON(), canonical, false)
}

// UnmarshalExtJSON decodes canonical or relaxed Extended JSON.
func UnmarshalExtJSON(data []byte) (*Document, error) {
	var in bson.D
	if err := bson.UnmarshalExtJSON(data, false, &in); err != nil {
		return nil, fmt.Errorf("decode extended json: %w", err)
	}
	return FromBSON(in), nil
}

// MarshalJSON renders relaxed Extended JSON, which reads as plain JSON for
// strings, numbers and nested objects.
func (d *Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return d.MarshalExtJSON(false)
}

// UnmarshalJSON accepts plain or Extended JSON objects.
func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := UnmarshalExtJSON(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}
