package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeelingScale(t *testing.T) {
	tests := []struct {
		in   any
		want int
	}{
		{"Con hambre", 1},
		{"  CON HAMBRE ", 1},
		{"Hinchado", 9},
		{"Saciado", 9},
		{"Bien", 7},
		{"Neutral", 5},
		{"Neutro", 5},
		{"Bloated", 9},
		{"feeling fine", 7},
		{"Cansado", 5},
		{"", 5},
		{nil, 5},
		{42, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FeelingScale(tt.in), "%v", tt.in)
	}
}

func TestAppetiteScale(t *testing.T) {
	tests := []struct {
		in     any
		want   int
		wantOK bool
	}{
		{"Bajo", 2, true},
		{"Normal", 5, true},
		{"Alto", 9, true},
		{"high", 9, true},
		{"Muy raro", 5, true},
		{"N/A", 0, false},
		{"n/a", 0, false},
		{"", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := AppetiteScale(tt.in)
		assert.Equal(t, tt.wantOK, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestDigestiveComfortScale(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"bloating and heartburn", "Hinchazón, Acidez", 6},
		{"none", "Ninguno", 10},
		{"none lowercase", "ninguno", 10},
		{"empty", "", 10},
		{"missing", nil, 10},
		{"unrecognized", "Dolor de cabeza", 10},
		{"single bloating", "Hinchazón", 7},
		{"without accents", "hinchazon", 7},
		{"heartburn only", "Acidez", 6},
		{"list", []any{"Estreñimiento", "Diarrea"}, 7},
		{"string list", []string{"Reflujo", "Acidez"}, 6},
		{"all five", "Hinchazón, Estreñimiento, Diarrea, Reflujo, Acidez", 7},
		{"repeated complaint counts once", "Acidez, acidez", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DigestiveComfortScale(tt.in))
		})
	}
}

func TestScalesStayInRange(t *testing.T) {
	inputs := []any{nil, "", "Con hambre", "Alto", "Acidez", "Hinchazón, Acidez, Reflujo", []any{"x", 3}, 7.5}
	for _, in := range inputs {
		assert.GreaterOrEqual(t, FeelingScale(in), MinScale)
		assert.LessOrEqual(t, FeelingScale(in), MaxScale)
		c := DigestiveComfortScale(in)
		assert.GreaterOrEqual(t, c, MinScale)
		assert.LessOrEqual(t, c, MaxScale)
		if a, ok := AppetiteScale(in); ok {
			assert.GreaterOrEqual(t, a, MinScale)
			assert.LessOrEqual(t, a, MaxScale)
		}
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1, Clamp(-3))
	assert.Equal(t, 1, Clamp(0))
	assert.Equal(t, 6, Clamp(6))
	assert.Equal(t, 10, Clamp(11))
}

func TestFold(t *testing.T) {
	assert.Equal(t, "estrenimiento", Fold(" Estreñimiento "))
	assert.Equal(t, "hinchazon", Fold("HINCHAZÓN"))
}
