package document

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Normalize coerces v into the document value set:
//
//	nil, string, bool, int64, float64, time.Time (UTC), []byte, []any,
//	*Document, primitive.ObjectID
//
// Other BSON types (Decimal128, regular expressions, ...) pass through
// untouched and are treated as opaque.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64, primitive.ObjectID, *Document:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case []byte:
		return append([]byte(nil), x...)
	case primitive.Binary:
		return append([]byte(nil), x.Data...)
	case primitive.D:
		return FromBSON(x)
	case primitive.M:
		return FromMap(x)
	case map[string]any:
		return FromMap(x)
	case primitive.A:
		return normalizeList(x)
	case []any:
		return normalizeList(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return x
	}
}

func normalizeList(in []any) []any {
	out := make([]any, len(in))
	for i, e := range in {
		out[i] = Normalize(e)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Document:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return x
	}
}

// ValuesEqual compares two document values. Numbers compare by value across
// int64/float64, times compare as instants.
func ValuesEqual(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch x := a.(type) {
	case nil:
		return b == nil
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case *Document:
		y, ok := b.(*Document)
		return ok && x.Equal(y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !ValuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// KeyString renders a unique key as a stable string. Backends without a
// native key type index documents by this form.
func KeyString(id any) string {
	switch x := Normalize(id).(type) {
	case nil:
		return ""
	case string:
		return x
	case primitive.ObjectID:
		return x.Hex()
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case *Document:
		b, err := bson.MarshalExtJSON(x.ToBSON(), true, false)
		if err != nil {
			return fmt.Sprint(x.Map())
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

// Truthy mirrors the loose truthiness the web app applies to optional form
// values: nil, false, zero numbers, empty strings and empty lists are false.
func Truthy(v any) bool {
	switch x := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case []byte:
		return len(x) > 0
	case *Document:
		return x.Len() > 0
	default:
		return true
	}
}
