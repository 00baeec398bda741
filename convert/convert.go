// Package convert maps the categorical answers stored by the web forms to the
// 1-10 numeric scales that replaced them.
//
// Every converter is total: unknown input yields a documented default, never
// an error. Matching is case and accent insensitive and looks for keywords
// anywhere in the value, so "Con hambre" and "muy hambriento" both count as
// hunger.
package convert

import (
	"math"
	"strings"
	"unicode"

	"github.com/spf13/cast"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// MinScale and MaxScale bound every derived scale.
	MinScale = 1
	MaxScale = 10

	// NeutralScale is the fallback for feelings and appetites that match no
	// keyword.
	NeutralScale = 5
)

type bucket struct {
	keywords []string
	value    int
}

// Checked in order; the first bucket with a matching keyword wins.
var feelingBuckets = []bucket{
	{[]string{"hambre", "hungry", "hunger"}, 1},
	{[]string{"hinchado", "bloated"}, 9},
	{[]string{"saciado", "satiated", "satisfied", "full"}, 9},
	{[]string{"bien", "fine", "good"}, 7},
	{[]string{"neutro", "neutral"}, 5},
}

var appetiteBuckets = []bucket{
	{[]string{"bajo", "low"}, 2},
	{[]string{"normal"}, 5},
	{[]string{"alto", "high"}, 9},
}

// Discomfort weight per complaint.
var complaintWeights = []bucket{
	{[]string{"hinchazon", "bloating"}, 3},
	{[]string{"estrenimiento", "constipation"}, 3},
	{[]string{"diarrea", "diarrhea", "diarrhoea"}, 3},
	{[]string{"reflujo", "reflux"}, 3},
	{[]string{"acidez", "heartburn"}, 4},
}

var noneWords = map[string]bool{"ninguno": true, "ninguna": true, "none": true}

// Fold lowercases s, trims it and strips diacritics.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func text(v any) string {
	if v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return Fold(s)
}

func match(s string, buckets []bucket) (int, bool) {
	for _, b := range buckets {
		for _, kw := range b.keywords {
			if strings.Contains(s, kw) {
				return b.value, true
			}
		}
	}
	return 0, false
}

// Clamp bounds v to [MinScale, MaxScale].
func Clamp(v int) int {
	return max(MinScale, min(MaxScale, v))
}

// FeelingScale converts the post-meal feeling label. Missing or unmatched
// input maps to NeutralScale.
func FeelingScale(v any) int {
	s := text(v)
	if s == "" {
		return NeutralScale
	}
	if n, ok := match(s, feelingBuckets); ok {
		return n
	}
	return NeutralScale
}

// AppetiteScale converts the appetite label. The second result is false when
// the answer is missing or "N/A": an unknown appetite is not a neutral one.
func AppetiteScale(v any) (int, bool) {
	s := text(v)
	if s == "" || s == "n/a" || s == "na" {
		return 0, false
	}
	if n, ok := match(s, appetiteBuckets); ok {
		return n, true
	}
	return NeutralScale, true
}

// Complaints lists the recognized complaint weights found in v, which may be
// a comma separated string or a list of strings. A complaint counts once.
func Complaints(v any) []int {
	var parts []string
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		for _, item := range t {
			parts = append(parts, text(item))
		}
	case []string:
		for _, item := range t {
			parts = append(parts, Fold(item))
		}
	default:
		parts = []string{text(v)}
	}
	joined := strings.Join(parts, ",")
	var weights []int
	for _, c := range complaintWeights {
		for _, kw := range c.keywords {
			if strings.Contains(joined, kw) {
				weights = append(weights, c.value)
				break
			}
		}
	}
	return weights
}

// DigestiveComfortScale converts the digestive complaints of a wellness log
// to a comfort scale: 10 - round(average complaint weight), clamped.
//
// Complaints are averaged, not summed, so comfort drops sub-linearly as
// complaints pile up. Historical scores were computed this way and must stay
// comparable.
func DigestiveComfortScale(v any) int {
	if s, ok := v.(string); ok && noneWords[Fold(s)] {
		return MaxScale
	}
	weights := Complaints(v)
	if len(weights) == 0 {
		return MaxScale
	}
	sum := 0
	for _, w := range weights {
		sum += w
	}
	avg := float64(sum) / float64(len(weights))
	return Clamp(MaxScale - int(math.Round(avg)))
}
