package evaluator

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"ints", 4, int64(4), true},
		{"integral float", 4.0, 4, true},
		{"fraction", 0.5, 0.5, true},
		{"different numbers", 4, 5, false},
		{"bool is not int", true, 1, false},
		{"positive infinity", math.Inf(1), math.Inf(1), true},
		{"opposite infinities", math.Inf(1), math.Inf(-1), false},
		{"tagged infinity", map[string]any{"$float": "-inf"}, math.Inf(-1), true},
		{"nan never equal", math.NaN(), math.NaN(), false},
		{"nested lists", []any{1, []any{2, "x"}}, []int{1, 2}, false},
		{"list equality", []any{1, 2.0, "x"}, []any{int64(1), 2, "x"}, true},
		{"maps", map[string]any{"a": 1, "b": []any{true}}, map[string]any{"b": []any{true}, "a": 1.0}, true},
		{"map missing key", map[string]any{"a": 1}, map[string]any{"b": 1}, false},
		{"nil", nil, nil, true},
		{"nil vs zero", nil, 0, false},
		{"json number", json.Number("7"), 7, true},
		{"string vs number", "7", 7, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Equal(tc.a, tc.b))
		})
	}
}

func TestEncodeTagsNonFiniteFloats(t *testing.T) {
	encoded := Encode([]any{math.Inf(1), math.NaN(), 1.5, map[string]any{"x": math.Inf(-1)}})

	data, err := json.Marshal(encoded)
	assert.NoError(t, err)
	assert.JSONEq(t, `[{"$float":"inf"},{"$float":"nan"},1.5,{"x":{"$float":"-inf"}}]`, string(data))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, `[1, "a", inf, None, True]`, Describe([]any{1, "a", math.Inf(1), nil, true}))
	assert.Equal(t, `{"a": 1, "b": 2.5}`, Describe(map[string]any{"b": 2.5, "a": 1}))
}
