package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDSLAccepts(t *testing.T) {
	cases := []struct {
		name string
		expr map[string]any
	}{
		{"trivial true", map[string]any{"op": "true"}},
		{"trivial false", map[string]any{"op": "false"}},
		{"comparison", map[string]any{"op": "eq", "field": "buyer_type", "value": "B2C"}},
		{"in", map[string]any{"op": "in", "field": "jurisdiction", "values": []any{"HR", "EU"}}},
		{"between", map[string]any{"op": "between", "field": "amount", "min": 0, "max": 40000}},
		{"not", map[string]any{"op": "not", "arg": map[string]any{"op": "true"}}},
		{"nested and", map[string]any{"op": "and", "args": []any{
			map[string]any{"op": "gte", "field": "date", "value": "2026-01-01"},
			map[string]any{"op": "or", "args": []any{
				map[string]any{"op": "eq", "field": "buyer_type", "value": "B2B"},
				map[string]any{"op": "lt", "field": "amount", "value": 300},
			}},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NoError(t, ValidateDSL(tc.expr))
		})
	}
}

func TestValidateDSLRejects(t *testing.T) {
	cases := []struct {
		name string
		expr map[string]any
	}{
		{"missing op", map[string]any{"field": "x"}},
		{"non-string op", map[string]any{"op": 7}},
		{"unknown op", map[string]any{"op": "xor", "args": []any{}}},
		{"nullary with extras", map[string]any{"op": "true", "field": "x"}},
		{"and without args", map[string]any{"op": "and"}},
		{"and empty args", map[string]any{"op": "and", "args": []any{}}},
		{"and non-expression arg", map[string]any{"op": "and", "args": []any{"yes"}}},
		{"eq missing value", map[string]any{"op": "eq", "field": "x"}},
		{"eq non-string field", map[string]any{"op": "eq", "field": 5, "value": 1}},
		{"in missing values", map[string]any{"op": "in", "field": "x"}},
		{"between missing max", map[string]any{"op": "between", "field": "x", "min": 1}},
		{"not without arg", map[string]any{"op": "not"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateDSL(tc.expr), ErrInvalidDSL)
		})
	}
}

func TestValidateDSLDepthLimit(t *testing.T) {
	expr := map[string]any{"op": "true"}
	for i := 0; i < MaxDSLDepth; i++ {
		expr = map[string]any{"op": "not", "arg": expr}
	}
	assert.ErrorIs(t, ValidateDSL(expr), ErrInvalidDSL)

	// One level shallower fits.
	expr = map[string]any{"op": "true"}
	for i := 0; i < MaxDSLDepth-1; i++ {
		expr = map[string]any{"op": "not", "arg": expr}
	}
	assert.NoError(t, ValidateDSL(expr))
}
