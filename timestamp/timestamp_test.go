package timestamp

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, m, d, h, mi, s, 0, time.UTC)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Fields
	}{
		{"2024-05-13T10:00:00", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10}},
		{"2024-05-13 10:30", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10, Minute: 30}},
		{"2024-05-13", Fields{Year: 2024, Month: 5, Day: 13}},
		{"2024/05/13", Fields{Year: 2024, Month: 5, Day: 13}},
		{"13/05/2024 08:15:09", Fields{Year: 2024, Month: 5, Day: 13, Hour: 8, Minute: 15, Second: 9}},
		{"2024-13-05T10:00:00", Fields{Year: 2024, Month: 13, Day: 5, Hour: 10}},
		{"2024-05-13T10:00:00.25Z", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10, Nanos: 250_000_000, HasOffset: true}},
		{"2024-05-13T10:00:00+02:00", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10, HasOffset: true, OffsetSeconds: 7200}},
		{"2024-05-13T10:00:00-0530", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10, HasOffset: true, OffsetSeconds: -19800}},
		{"20240513", Fields{Year: 2024, Month: 5, Day: 13}},
		{"20240513T1030", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10, Minute: 30}},
		{"20240513T103015Z", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10, Minute: 30, Second: 15, HasOffset: true}},
		{"May 13, 2024", Fields{Year: 2024, Month: 5, Day: 13}},
		{"Sep 3, 2024 08:15", Fields{Year: 2024, Month: 9, Day: 3, Hour: 8, Minute: 15}},
		{"September 3, 2024", Fields{Year: 2024, Month: 9, Day: 3}},
		{"13 May 2024", Fields{Year: 2024, Month: 5, Day: 13}},
		{"Mon, 13 May 2024 10:00:00 GMT", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10, HasOffset: true}},
		{"Mon, 13 May 2024 10:00:00 +0200", Fields{Year: 2024, Month: 5, Day: 13, Hour: 10, HasOffset: true, OffsetSeconds: 7200}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "ayer", "13 de mayo", "2024-05", "10:00", "2024051", "Foo 13, 2024"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrCannotNormalize, in)
	}
}

func TestNormalizeStrings(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	tests := []struct {
		name   string
		in     string
		zone   *time.Location
		policy Policy
		want   time.Time
	}{
		{"naive utc", "2024-05-13T10:00:00", nil, Policy{}, utc(2024, 5, 13, 10, 0, 0)},
		{"offset wins over zone", "2024-05-13T10:00:00+02:00", madrid, Policy{}, utc(2024, 5, 13, 8, 0, 0)},
		{"naive in source zone", "2024-05-13T10:00:00", nil, Policy{SourceZone: madrid}, utc(2024, 5, 13, 8, 0, 0)},
		{"document zone beats policy", "2024-01-13T10:00:00", madrid, Policy{SourceZone: time.UTC}, utc(2024, 1, 13, 9, 0, 0)},
		{"fix swap on invalid month", "2024-13-05T10:00:00", nil, Policy{FixSwapOnInvalidMonth: true}, utc(2024, 5, 13, 10, 0, 0)},
		{"fix swap leaves valid dates", "2024-05-06T10:00:00", nil, Policy{FixSwapOnInvalidMonth: true}, utc(2024, 5, 6, 10, 0, 0)},
		{"force swap", "2024-05-06T10:00:00", nil, Policy{ForceSwap: true}, utc(2024, 6, 5, 10, 0, 0)},
		{"force swap keeps unswappable", "2024-05-20T10:00:00", nil, Policy{ForceSwap: true}, utc(2024, 5, 20, 10, 0, 0)},
		{"add day", "2024-02-28T23:00:00", nil, Policy{AddDayOffset: true}, utc(2024, 2, 29, 23, 0, 0)},
		{"month name in source zone", "May 13, 2024 10:00", nil, Policy{SourceZone: madrid}, utc(2024, 5, 13, 8, 0, 0)},
		{"compact date", "20240513", nil, Policy{}, utc(2024, 5, 13, 0, 0, 0)},
		{"rfc1123 keeps its zone", "Mon, 13 May 2024 10:00:00 GMT", madrid, Policy{}, utc(2024, 5, 13, 10, 0, 0)},
		{"sub-millisecond truncated", "2024-05-13T10:00:00.123456789Z", nil, Policy{}, time.Date(2024, 5, 13, 10, 0, 0, 123_000_000, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in, tt.zone, tt.policy)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNormalizeInvalid(t *testing.T) {
	_, err := Normalize("2024-13-05T10:00:00", nil, Policy{})
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = Normalize("2024-13-45T10:00:00", nil, Policy{FixSwapOnInvalidMonth: true})
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = Normalize("2024-02-30", nil, Policy{})
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = Normalize("2024-05-13T25:00:00", nil, Policy{})
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = Normalize("no es fecha", nil, Policy{})
	assert.ErrorIs(t, err, ErrCannotNormalize)

	_, err = Normalize(int64(1715594400), nil, Policy{})
	assert.ErrorIs(t, err, ErrCannotNormalize)
}

func TestNormalizeTimeIsStable(t *testing.T) {
	in := time.Date(2024, 5, 13, 10, 0, 0, 123_456_789, time.FixedZone("", 3600))
	first, err := Normalize(in, nil, Policy{FixSwapOnInvalidMonth: true})
	require.NoError(t, err)
	second, err := Normalize(first, nil, Policy{FixSwapOnInvalidMonth: true})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, time.Date(2024, 5, 13, 9, 0, 0, 123_000_000, time.UTC), first)

	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	third, err := Normalize(first, madrid, Policy{SourceZone: madrid})
	require.NoError(t, err)
	assert.Equal(t, first, third, "stored dates are not read in the source zone")
}

func TestNormalizeTimeRepairs(t *testing.T) {
	in := utc(2024, 5, 6, 10, 0, 0)
	got, err := Normalize(in, nil, Policy{ForceSwap: true})
	require.NoError(t, err)
	assert.Equal(t, utc(2024, 6, 5, 10, 0, 0), got)

	got, err = Normalize(in, nil, Policy{AddDayOffset: true})
	require.NoError(t, err)
	assert.Equal(t, utc(2024, 5, 7, 10, 0, 0), got)
}

func TestPolicyZone(t *testing.T) {
	loc, err := Policy{}.Zone("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	loc, err = Policy{}.Zone("America/Mexico_City")
	require.NoError(t, err)
	assert.Equal(t, "America/Mexico_City", loc.String())

	_, err = Policy{}.Zone("Mars/Olympus")
	assert.Error(t, err)
}
