package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced bare", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading whitespace", "  \n```json\n{\"a\":1}\n```\n", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripCodeFences(tc.in))
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	got, err := ExtractJSONObject(`Here is the result: {"extractions": [{"v": "{nested}"}]} trailing`)
	require.NoError(t, err)
	assert.Equal(t, `{"extractions": [{"v": "{nested}"}]}`, got)
}

func TestExtractJSONObjectIgnoresBracesInStrings(t *testing.T) {
	got, err := ExtractJSONObject(`{"quote": "Članak 1. {stavak} \" }", "ok": true}`)
	require.NoError(t, err)
	assert.Equal(t, `{"quote": "Članak 1. {stavak} \" }", "ok": true}`, got)
}

func TestExtractJSONObjectUnbalanced(t *testing.T) {
	_, err := ExtractJSONObject(`{"never": "closed"`)
	assert.ErrorIs(t, err, ErrNoJSONObject)

	_, err = ExtractJSONObject("no object here")
	assert.ErrorIs(t, err, ErrNoJSONObject)
}
