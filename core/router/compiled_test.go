package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matchParams(t *testing.T, pattern, path string) Params {
	t.Helper()
	r := New()
	_, err := r.Register(pattern, nil, Turbo, 0)
	require.NoError(t, err)
	r.Freeze()
	m, ok := r.Match("GET", path)
	require.True(t, ok, "path %s", path)
	return m.Params
}

// TestTemplateStatic tests a template with no holes
func TestTemplateStatic(t *testing.T) {
	tpl, err := Compile(map[string]any{
		"status": "ok",
		"count":  3,
	})
	require.NoError(t, err)

	out, err := tpl.Render(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3,"status":"ok"}`, string(out))
}

// TestTemplateCaptureHoles tests per-request capture substitution
func TestTemplateCaptureHoles(t *testing.T) {
	tpl, err := Compile(map[string]any{
		"id":     P("id"),
		"name":   P("name"),
		"active": true,
	})
	require.NoError(t, err)

	params := matchParams(t, "/u/<int:id>/<name>", "/u/42/ann")
	out, err := tpl.Render(params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"active":true,"id":42,"name":"ann"}`, string(out))
}

// TestTemplateStringEscaping tests that string captures are JSON escaped
func TestTemplateStringEscaping(t *testing.T) {
	tpl, err := Compile(map[string]any{"name": P("name")})
	require.NoError(t, err)

	params := matchParams(t, "/u/<name>", `/u/a"b`)
	out, err := tpl.Render(params)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, `a"b`, decoded["name"])
}

// TestTemplateExpressions tests arithmetic over captures
func TestTemplateExpressions(t *testing.T) {
	tpl, err := Compile(map[string]any{
		"next":    Add(P("id"), Int(1)),
		"double":  Mul(P("id"), Int(2)),
		"half":    Div(P("id"), Int(2)),
		"shifted": Sub(P("id"), Int(10)),
	})
	require.NoError(t, err)

	params := matchParams(t, "/n/<int:id>", "/n/8")
	out, err := tpl.Render(params)
	require.NoError(t, err)

	// Division yields a float even for even operands.
	assert.JSONEq(t, `{"next":9,"double":16,"half":4.0,"shifted":-2}`, string(out))
	assert.Contains(t, string(out), `"half":4.0`)
}

// TestTemplateDivisionByZero tests that a zero divisor errors the render
func TestTemplateDivisionByZero(t *testing.T) {
	tpl, err := Compile(map[string]any{"v": Div(Int(1), P("id"))})
	require.NoError(t, err)

	params := matchParams(t, "/n/<int:id>", "/n/0")
	_, err = tpl.Render(params)
	assert.Error(t, err)
}

// TestTemplateFloatPropagation tests mixed int/float arithmetic
func TestTemplateFloatPropagation(t *testing.T) {
	tpl, err := Compile(map[string]any{"v": Mul(P("amount"), Int(3))})
	require.NoError(t, err)

	params := matchParams(t, "/p/<float:amount>", "/p/1.5")
	out, err := tpl.Render(params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":4.5}`, string(out))
}

// TestTemplateValidate tests capture reference validation
func TestTemplateValidate(t *testing.T) {
	tpl, err := Compile(map[string]any{
		"id":   P("id"),
		"next": Add(P("id"), Int(1)),
	})
	require.NoError(t, err)

	assert.NoError(t, tpl.Validate([]string{"id"}))
	assert.Error(t, tpl.Validate([]string{"other"}))
	assert.Error(t, tpl.Validate(nil))
}

// TestTemplateNonNumericCapture tests that arithmetic rejects string
// captures at render time
func TestTemplateNonNumericCapture(t *testing.T) {
	tpl, err := Compile(map[string]any{"v": Add(P("name"), Int(1))})
	require.NoError(t, err)

	params := matchParams(t, "/u/<name>", "/u/bob")
	_, err = tpl.Render(params)
	assert.Error(t, err)
}

func BenchmarkTemplateRender(b *testing.B) {
	tpl, _ := Compile(map[string]any{
		"id":   P("id"),
		"next": Add(P("id"), Int(1)),
		"kind": "user",
	})
	params := Params{{Name: "id", Value: Value{Kind: KindInt, Raw: "42", Int: 42}}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tpl.Render(params)
	}
}
