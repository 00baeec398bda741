// Package timestamp repairs date values written by older versions of the
// app: strings instead of dates, and swapped day and month. Naive strings are
// read in a source zone and converted to UTC. Values already stored as dates
// are taken as the instants they name; only the swap and day-offset repairs
// touch them, so a second run leaves them alone.
//
// The canonical stored form is a UTC instant truncated to milliseconds, the
// precision of a BSON date, so normalizing an already canonical value is a
// no-op.
package timestamp

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrCannotNormalize is returned for values that are not dates and do not
	// parse as one. Callers skip the field.
	ErrCannotNormalize = errors.New("cannot normalize")
	// ErrInvalidDate is returned when the parsed components do not form a
	// calendar date, even after the configured repairs.
	ErrInvalidDate = errors.New("invalid calendar date")
)

// Policy selects the repairs applied on top of plain parsing.
type Policy struct {
	// FixSwapOnInvalidMonth swaps day and month when the month is outside
	// 1-12 and the swapped value is a valid date.
	FixSwapOnInvalidMonth bool
	// ForceSwap swaps day and month of every value whenever the result is a
	// valid date. Destructive; meant for a collection known to be written
	// entirely in the wrong order.
	ForceSwap bool
	// AddDayOffset adds one calendar day. Running it twice adds two.
	AddDayOffset bool
	// SourceZone is the zone naive values were recorded in. Nil means UTC.
	SourceZone *time.Location
	// ZoneField names a document field holding an IANA zone name that
	// overrides SourceZone for that document.
	ZoneField string
}

// Zone returns the zone naive values of a document are interpreted in. name
// is the value of the document's ZoneField, if any.
func (p Policy) Zone(name string) (*time.Location, error) {
	if name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("zone %q: %w", name, err)
		}
		return loc, nil
	}
	if p.SourceZone != nil {
		return p.SourceZone, nil
	}
	return time.UTC, nil
}

// Fields are the raw components of a parsed date string. They are not
// validated: Month may be 13.
type Fields struct {
	Year, Month, Day            int
	Hour, Minute, Second, Nanos int
	// HasOffset is set when the string carried its own UTC offset.
	HasOffset     bool
	OffsetSeconds int
}

const clock = `(?:[T ](\d{1,2}):(\d{2})(?::(\d{2})(?:[.,](\d{1,9}))?)?)?\s*(Z|z|UTC|[+-]\d{2}(?::?\d{2})?)?`

var (
	isoRe     = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})` + clock + `$`)
	dmyRe     = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2})[-/](\d{4})` + clock + `$`)
	compactRe = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})(?:T(\d{2})(\d{2})(\d{2})?)?\s*(Z|z|UTC|[+-]\d{2}(?::?\d{2})?)?$`)
)

// namedLayouts are the English month-name forms, tried in order. zoned
// layouts carry their own offset.
var namedLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC1123Z, true},
	{time.RFC1123, true},
	{"Mon, 2 Jan 2006 15:04:05 MST", true},
	{"Mon, 2 Jan 2006 15:04:05 -0700", true},
	{"January 2, 2006 15:04:05", false},
	{"January 2, 2006 15:04", false},
	{"January 2, 2006", false},
	{"Jan 2, 2006 15:04:05", false},
	{"Jan 2, 2006 15:04", false},
	{"Jan 2, 2006", false},
	{"2 January 2006 15:04", false},
	{"2 January 2006", false},
	{"2 Jan 2006 15:04", false},
	{"2 Jan 2006", false},
}

// Parse splits s into date components. Accepted shapes are ISO 8601 with a
// T or space separator, YYYY/MM/DD, and the DD/MM/YYYY order the web forms
// used, each optionally followed by a clock, a fraction and an offset. The
// compact YYYYMMDD[Thhmm[ss]] form, RFC 1123 and English month names
// ("May 13, 2024", "13 May 2024") are accepted as well.
func Parse(s string) (Fields, error) {
	s = strings.TrimSpace(s)
	var f Fields
	var m []string
	if m = isoRe.FindStringSubmatch(s); m != nil {
		f.Year, f.Month, f.Day = atoi(m[1]), atoi(m[2]), atoi(m[3])
	} else if m = dmyRe.FindStringSubmatch(s); m != nil {
		f.Day, f.Month, f.Year = atoi(m[1]), atoi(m[2]), atoi(m[3])
	} else if m = compactRe.FindStringSubmatch(s); m != nil {
		f.Year, f.Month, f.Day = atoi(m[1]), atoi(m[2]), atoi(m[3])
		f.Hour, f.Minute, f.Second = atoi(m[4]), atoi(m[5]), atoi(m[6])
		if off := m[7]; off != "" {
			f.HasOffset = true
			f.OffsetSeconds = parseOffset(off)
		}
		return f, nil
	} else if f, ok := parseNamed(s); ok {
		return f, nil
	} else {
		return Fields{}, fmt.Errorf("%q: %w", s, ErrCannotNormalize)
	}
	f.Hour, f.Minute, f.Second = atoi(m[4]), atoi(m[5]), atoi(m[6])
	if frac := m[7]; frac != "" {
		f.Nanos = atoi((frac + "000000000")[:9])
	}
	if off := m[8]; off != "" {
		f.HasOffset = true
		f.OffsetSeconds = parseOffset(off)
	}
	return f, nil
}

func parseNamed(s string) (Fields, bool) {
	for _, l := range namedLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		f := Fields{
			Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
			Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
		}
		if l.zoned {
			_, off := t.Zone()
			f.HasOffset, f.OffsetSeconds = true, off
		}
		return f, true
	}
	return Fields{}, false
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

func parseOffset(s string) int {
	switch s {
	case "Z", "z", "UTC":
		return 0
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(s[1:], ":", "")
	h := atoi(digits[:2])
	m := 0
	if len(digits) >= 4 {
		m = atoi(digits[2:4])
	}
	return sign * (h*3600 + m*60)
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Day() == day
}

func (f Fields) swapped() Fields {
	f.Day, f.Month = f.Month, f.Day
	return f
}

// Time builds the instant f describes. Naive values are read in loc.
func (f Fields) Time(loc *time.Location) (time.Time, error) {
	if !validDate(f.Year, f.Month, f.Day) {
		return time.Time{}, fmt.Errorf("%04d-%02d-%02d: %w", f.Year, f.Month, f.Day, ErrInvalidDate)
	}
	if f.Hour > 23 || f.Minute > 59 || f.Second > 59 {
		return time.Time{}, fmt.Errorf("%02d:%02d:%02d: %w", f.Hour, f.Minute, f.Second, ErrInvalidDate)
	}
	if f.HasOffset {
		loc = time.FixedZone("", f.OffsetSeconds)
	} else if loc == nil {
		loc = time.UTC
	}
	return time.Date(f.Year, time.Month(f.Month), f.Day, f.Hour, f.Minute, f.Second, f.Nanos, loc), nil
}

// Canonical returns t in the stored form: UTC, millisecond precision.
func Canonical(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Normalize returns the canonical form of v after applying p. v is either a
// time.Time, which already names an instant and is only subject to the
// swap and offset repairs, or a string. zone is where naive strings were
// recorded; nil falls back to the policy's SourceZone.
func Normalize(v any, zone *time.Location, p Policy) (time.Time, error) {
	if zone == nil {
		zone = p.SourceZone
	}
	if zone == nil {
		zone = time.UTC
	}
	switch t := v.(type) {
	case time.Time:
		if p.ForceSwap {
			t = swapTime(t)
		}
		if p.AddDayOffset {
			t = t.AddDate(0, 0, 1)
		}
		return Canonical(t), nil
	case string:
		f, err := Parse(t)
		if err != nil {
			return time.Time{}, err
		}
		if p.ForceSwap || (p.FixSwapOnInvalidMonth && f.Month > 12) {
			if s := f.swapped(); validDate(s.Year, s.Month, s.Day) {
				f = s
			}
		}
		out, err := f.Time(zone)
		if err != nil {
			return time.Time{}, err
		}
		if p.AddDayOffset {
			out = out.AddDate(0, 0, 1)
		}
		return Canonical(out), nil
	default:
		return time.Time{}, fmt.Errorf("%T: %w", v, ErrCannotNormalize)
	}
}

// swapTime swaps day and month of t as seen in UTC, where stored dates live.
func swapTime(t time.Time) time.Time {
	u := t.UTC()
	if !validDate(u.Year(), u.Day(), int(u.Month())) {
		return t
	}
	return time.Date(u.Year(), time.Month(u.Day()), int(u.Month()), u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), time.UTC)
}
