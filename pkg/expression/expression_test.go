package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleVars() map[string]interface{} {
	return map[string]interface{}{
		"input": map[string]interface{}{
			"name":  "ada",
			"count": float64(3),
		},
		"fetch": map[string]interface{}{
			"result": map[string]interface{}{
				"status": "ok",
				"items":  []interface{}{"a", "b"},
			},
		},
		"classify": map[string]interface{}{
			"result": "positive",
		},
		"check": map[string]interface{}{
			"result": true,
		},
	}
}

func TestInterpolate(t *testing.T) {
	out, err := Interpolate("hello {{input.name}}, {{input.count}} items", sampleVars(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello ada, 3 items", out)
}

func TestInterpolateMissingOptional(t *testing.T) {
	out, err := Interpolate("value: {{input.missing}}", sampleVars(), nil)
	require.NoError(t, err)
	assert.Equal(t, "value: ", out)
}

func TestInterpolateMissingRequired(t *testing.T) {
	_, err := Interpolate("value: {{input.missing}}", sampleVars(), []string{"input.missing"})
	var missing *MissingVariableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "input.missing", missing.Ref)
}

func TestResolvePreservesType(t *testing.T) {
	val, err := Resolve("{{input.count}}", sampleVars(), nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), val)

	val, err = Resolve("{{check.result}}", sampleVars(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, val)
}

func TestResultSegmentTransparent(t *testing.T) {
	// Scalar output: {{classify.result}} resolves to the scalar itself.
	val, err := Resolve("{{classify.result}}", sampleVars(), nil)
	require.NoError(t, err)
	assert.Equal(t, "positive", val)

	// Map output: .result descends into the map field.
	val, err = Resolve("{{fetch.result.status}}", sampleVars(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestInterpolateMapRecurses(t *testing.T) {
	config := map[string]interface{}{
		"url": "https://example.com/{{input.name}}",
		"nested": map[string]interface{}{
			"count": "{{input.count}}",
		},
		"list": []interface{}{"{{input.name}}", "literal"},
	}
	out, err := InterpolateMap(config, sampleVars(), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/ada", out["url"])
	assert.Equal(t, float64(3), out["nested"].(map[string]interface{})["count"])
	assert.Equal(t, "ada", out["list"].([]interface{})[0])
}

func TestReferences(t *testing.T) {
	refs := References("a {{x.y}} b {{ z }} c")
	assert.Equal(t, []string{"x.y", "z"}, refs)
}

func TestEvaluateCondition(t *testing.T) {
	vars := sampleVars()

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"{{input.count}} > 2", true},
		{"{{input.count}} >= 3", true},
		{"{{input.count}} < 3", false},
		{"{{input.name}} == \"ada\"", true},
		{"{{input.name}} != \"ada\"", false},
		{"check.result == true", true},
		{"classify.result == \"positive\"", true},
		{"{{fetch.result.items}} contains \"a\"", true},
		{"{{fetch.result.items}} contains \"z\"", false},
		{"{{fetch.result.status}} contains \"o\"", true},
	}
	for _, tt := range tests {
		got, err := EvaluateCondition(tt.expr, vars)
		require.NoError(t, err, "expr %q", tt.expr)
		assert.Equal(t, tt.want, got, "expr %q", tt.expr)
	}
}

func TestEvaluateConditionInvalid(t *testing.T) {
	_, err := EvaluateCondition("no operator here", sampleVars())
	assert.Error(t, err)
}
