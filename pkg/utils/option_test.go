package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOption_GetString(t *testing.T) {
	o := Option{"listen.language": "fr-FR", "listen.channels": 1}
	assert.Equal(t, "fr-FR", o.GetString("listen.language", "en-US"))
	assert.Equal(t, "en-US", o.GetString("missing", "en-US"))
	assert.Equal(t, "en-US", o.GetString("listen.channels", "en-US"))
}

func TestOption_GetBool(t *testing.T) {
	o := Option{"a": true, "b": "false", "c": "nope"}
	assert.True(t, o.GetBool("a", false))
	assert.False(t, o.GetBool("b", true))
	assert.True(t, o.GetBool("c", true))
	assert.False(t, o.GetBool("missing", false))
}

func TestOption_GetInt(t *testing.T) {
	o := Option{"a": 3, "b": float64(7), "c": "11", "d": "x"}
	assert.Equal(t, 3, o.GetInt("a", 0))
	assert.Equal(t, 7, o.GetInt("b", 0))
	assert.Equal(t, 11, o.GetInt("c", 0))
	assert.Equal(t, 5, o.GetInt("d", 5))
}

func TestOption_GetFloat(t *testing.T) {
	o := Option{"a": 0.65, "b": "0.5"}
	assert.InDelta(t, 0.65, o.GetFloat("a", 0), 1e-9)
	assert.InDelta(t, 0.5, o.GetFloat("b", 0), 1e-9)
	assert.InDelta(t, 0.1, o.GetFloat("missing", 0.1), 1e-9)
}

func TestOption_GetStringSlice(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected []string
	}{
		{"typed slice", []string{"alpha", "beta"}, []string{"alpha", "beta"}},
		{"interface slice", []interface{}{"hello", "world"}, []string{"hello", "world"}},
		{"legacy string form", "[hello world]", []string{"hello", "world"}},
		{"empty brackets", "[]", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Option{"k": tt.value}
			assert.Equal(t, tt.expected, o.GetStringSlice("k"))
		})
	}
}

func TestOption_Merge(t *testing.T) {
	base := Option{"a": 1, "b": 2}
	merged := base.Merge(Option{"b": 3, "c": 4})
	assert.Equal(t, 1, merged.GetInt("a", 0))
	assert.Equal(t, 3, merged.GetInt("b", 0))
	assert.Equal(t, 4, merged.GetInt("c", 0))
	// original untouched
	assert.Equal(t, 2, base.GetInt("b", 0))
}
