package document

import "go.mongodb.org/mongo-driver/bson"

// Filter is a portable document predicate. Every set condition must hold;
// the zero Filter matches every document.
type Filter struct {
	// AnyMissing matches documents lacking at least one of these fields.
	AnyMissing []string
	// AnyPresent matches documents holding at least one of these fields.
	AnyPresent []string
	// Equal matches documents whose fields equal the given values.
	Equal map[string]any
}

// All matches every document.
var All = Filter{}

// MissingAny selects documents lacking at least one of fields.
func MissingAny(fields ...string) Filter {
	return Filter{AnyMissing: fields}
}

// PresentAny selects documents holding at least one of fields.
func PresentAny(fields ...string) Filter {
	return Filter{AnyPresent: fields}
}

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool {
	return len(f.AnyMissing) == 0 && len(f.AnyPresent) == 0 && len(f.Equal) == 0
}

// Matches evaluates the filter against d.
func (f Filter) Matches(d *Document) bool {
	if len(f.AnyMissing) > 0 {
		missing := false
		for _, field := range f.AnyMissing {
			if !d.Has(field) {
				missing = true
				break
			}
		}
		if !missing {
			return false
		}
	}
	if len(f.AnyPresent) > 0 {
		present := false
		for _, field := range f.AnyPresent {
			if d.Has(field) {
				present = true
				break
			}
		}
		if !present {
			return false
		}
	}
	for field, want := range f.Equal {
		got, ok := d.Get(field)
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// BSON renders the filter as a MongoDB query document.
func (f Filter) BSON() bson.D {
	var clauses bson.A
	if c := existsClause(f.AnyMissing, false); c != nil {
		clauses = append(clauses, c)
	}
	if c := existsClause(f.AnyPresent, true); c != nil {
		clauses = append(clauses, c)
	}
	for field, want := range f.Equal {
		clauses = append(clauses, bson.D{{Key: field, Value: toBSONValue(Normalize(want))}})
	}
	switch len(clauses) {
	case 0:
		return bson.D{}
	case 1:
		return clauses[0].(bson.D)
	default:
		return bson.D{{Key: "$and", Value: clauses}}
	}
}

func existsClause(fields []string, exists bool) bson.D {
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return bson.D{{Key: fields[0], Value: bson.D{{Key: "$exists", Value: exists}}}}
	}
	or := make(bson.A, 0, len(fields))
	for _, field := range fields {
		or = append(or, bson.D{{Key: field, Value: bson.D{{Key: "$exists", Value: exists}}}})
	}
	return bson.D{{Key: "$or", Value: or}}
}
