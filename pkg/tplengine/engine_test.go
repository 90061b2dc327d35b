package tplengine

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasTemplate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", false},
		{"no_markers", "plain text", false},
		{"with_delims", "Hello {{ name }}", true},
		{"unterminated", "Hello {{ name", false},
		{"brace_like_not_template", "Hello {not tmpl}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasTemplate(tt.in))
		})
	}
}

func TestEngine_Resolve(t *testing.T) {
	engine := MustNewEngine(16)

	t.Run("Should preserve native type for a single full-string fragment", func(t *testing.T) {
		ctx := Context{Objects: map[string]any{"x": map[string]any{"y": 5}}}
		out, err := engine.Resolve(map[string]any{"a": "{{x.y}}"}, ctx, Options{})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 5}, out)
	})

	t.Run("Should concatenate mixed content as a string", func(t *testing.T) {
		ctx := Context{Objects: map[string]any{"x": "p", "y": "q"}}
		out, err := engine.Resolve("{{x}} - {{y}}", ctx, Options{})
		require.NoError(t, err)
		assert.Equal(t, "p - q", out)
	})

	t.Run("Should resolve nested arrays and objects without mutating the template", func(t *testing.T) {
		tpl := map[string]any{
			"list": []any{"{{ n + 1 }}", "literal", map[string]any{"k": "{{ n * 2 }}"}},
			"num":  3,
		}
		ctx := Context{Objects: map[string]any{"n": 2}}
		out, err := engine.Resolve(tpl, ctx, Options{})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"list": []any{float64(3), "literal", map[string]any{"k": float64(4)}},
			"num":  3,
		}, out)
		assert.Equal(t, "{{ n + 1 }}", tpl["list"].([]any)[0])
	})

	t.Run("Should yield null for unresolved paths when not validating", func(t *testing.T) {
		out, err := engine.Resolve(map[string]any{"a": "{{ x.missing.deep }}"}, Context{Objects: map[string]any{"x": map[string]any{}}}, Options{})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": nil}, out)
	})

	t.Run("Should reject unresolved paths naming the path when validating", func(t *testing.T) {
		_, err := engine.Resolve(map[string]any{"a": "{{ x.missing }}"}, Context{Objects: map[string]any{"x": map[string]any{}}}, Options{Validate: true})
		require.Error(t, err)
		var resErr *ResolutionError
		require.True(t, errors.As(err, &resErr))
		assert.Equal(t, KindUnresolvedPath, resErr.Kind)
		assert.Equal(t, "x.missing", resErr.Path)
		assert.ErrorIs(t, err, ErrResolution)
		assert.Contains(t, err.Error(), "x.missing")
	})

	t.Run("Should render null as empty text inside mixed content", func(t *testing.T) {
		out, err := engine.Resolve("id=[{{ nothing }}]", Context{}, Options{})
		require.NoError(t, err)
		assert.Equal(t, "id=[]", out)
	})

	t.Run("Should keep unterminated delimiters literal", func(t *testing.T) {
		out, err := engine.Resolve("open {{ x", Context{Objects: map[string]any{"x": 1}}, Options{Validate: true})
		require.NoError(t, err)
		assert.Equal(t, "open {{ x", out)
	})

	t.Run("Should allow closing delimiters inside string literals", func(t *testing.T) {
		out, err := engine.Resolve("{{ 'a}}b' }}", Context{}, Options{Validate: true})
		require.NoError(t, err)
		assert.Equal(t, "a}}b", out)
		out, err = engine.Resolve(`x={{ "q\"}}" + 'r' }}!`, Context{}, Options{Validate: true})
		require.NoError(t, err)
		assert.Equal(t, `x=q"}}r!`, out)
	})

	t.Run("Should degrade over-deep templates to null when not validating", func(t *testing.T) {
		var tpl any = "{{ 1 }}"
		for range 70 {
			tpl = []any{tpl}
		}
		out, err := engine.Resolve(map[string]any{"deep": tpl, "ok": "{{ 2 }}"}, Context{}, Options{})
		require.NoError(t, err)
		resolved := out.(map[string]any)
		assert.Equal(t, float64(2), resolved["ok"])
		assert.NotNil(t, resolved["deep"])

		_, err = engine.Resolve(tpl, Context{}, Options{Validate: true})
		assert.ErrorIs(t, err, ErrResolution)
	})

	t.Run("Should render objects as JSON inside mixed content", func(t *testing.T) {
		ctx := Context{Objects: map[string]any{"o": map[string]any{"a": 1}}}
		out, err := engine.Resolve("v={{ o }}", ctx, Options{})
		require.NoError(t, err)
		assert.Equal(t, `v={"a":1}`, out)
	})
}

func TestEngine_Evaluate(t *testing.T) {
	engine := MustNewEngine(0)
	objects := map[string]any{
		"task": map[string]any{
			"success": true,
			"data":    map[string]any{"x": "hi", "n": 4, "tags": []any{"a", "b"}},
			"error":   nil,
		},
		"name": "  Report.PDF ",
	}
	ctx := Context{Objects: objects, Functions: DefaultFunctions()}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"path", "task.data.x", "hi"},
		{"bracket", "task['data'].tags[1]", "b"},
		{"negation", "!task.success", false},
		{"ternary", "task.success ? 'yes' : 'no'", "yes"},
		{"arithmetic", "task.data.n * 2 + 1", float64(9)},
		{"modulo", "task.data.n % 3", float64(1)},
		{"string_plus_number", "'n=' + task.data.n", "n=4"},
		{"strict_equality", "task.data.x === 'hi'", true},
		{"inequality", "task.data.n != 4", false},
		{"relational", "task.data.n >= 4 && task.data.n < 5", true},
		{"or_returns_operand", "task.error || 'none'", "none"},
		{"nullish", "task.data.missing ?? 'default'", "default"},
		{"null_property_is_null", "task.error.message", nil},
		{"upper", "task.data.x.toUpperCase()", "HI"},
		{"trim_lower", "name.trim().toLowerCase()", "report.pdf"},
		{"includes", "name.includes('PDF')", true},
		{"ends_with", "name.trim().endsWith('.PDF')", true},
		{"split", "'a/b/c'.split('/')", []any{"a", "b", "c"}},
		{"slice_negative", "'abcdef'.slice(-2)", "ef"},
		{"substring", "'abcdef'.substring(1, 3)", "bc"},
		{"replace_first", "'a-a'.replace('-', '+')", "a+a"},
		{"array_includes", "task.data.tags.includes('a')", true},
		{"array_join", "task.data.tags.join('|')", "a|b"},
		{"length", "task.data.tags.length", float64(2)},
		{"to_fixed", "(1/3).toFixed(2)", "0.33"},
		{"array_literal", "[1, 'a', null]", []any{float64(1), "a", nil}},
		{"function_coalesce", "coalesce(task.error, task.data.x)", "hi"},
		{"function_concat", "concat(task.data.x, '-', task.data.n)", "hi-4"},
		{"function_len", "len(task.data.tags)", float64(2)},
		{"function_parse_json", "parseJSON('{\"a\":[1]}').a[0]", float64(1)},
		{"undefined_literal", "undefined", nil},
		{"syntax_error_degrades", "task.data.(", nil},
		{"unknown_function_degrades", "exec('rm -rf /')", nil},
		{"unknown_method_degrades", "task.data.x.constructor()", nil},
		{"division_by_zero_degrades", "1 / 0", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Evaluate(tt.expr, ctx, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("Should name unknown functions when validating", func(t *testing.T) {
		_, err := engine.Evaluate("exec('x')", ctx, Options{Validate: true})
		var resErr *ResolutionError
		require.True(t, errors.As(err, &resErr))
		assert.Equal(t, KindUnknownFunction, resErr.Kind)
		assert.Equal(t, "exec", resErr.Function)
	})

	t.Run("Should report syntax errors when validating", func(t *testing.T) {
		_, err := engine.Evaluate("task.success &&", ctx, Options{Validate: true})
		var resErr *ResolutionError
		require.True(t, errors.As(err, &resErr))
		assert.Equal(t, KindSyntax, resErr.Kind)
	})

	t.Run("Should not evaluate the right side of a short-circuited operator", func(t *testing.T) {
		got, err := engine.Evaluate("task.success || missing.path", ctx, Options{Validate: true})
		require.NoError(t, err)
		assert.Equal(t, true, got)
	})

	t.Run("Should reject deeply nested expressions", func(t *testing.T) {
		expr := ""
		for range 100 {
			expr += "("
		}
		expr += "1"
		for range 100 {
			expr += ")"
		}
		_, err := engine.Evaluate(expr, ctx, Options{Validate: true})
		require.Error(t, err)
	})
}

func TestEngine_EvaluateLongChains(t *testing.T) {
	engine := MustNewEngine(4)

	t.Run("Should evaluate a long flat operator chain", func(t *testing.T) {
		expr := "1" + strings.Repeat(" + 1", 200)
		got, err := engine.Evaluate(expr, Context{}, Options{Validate: true})
		require.NoError(t, err)
		assert.Equal(t, float64(201), got)
	})

	t.Run("Should reject chains beyond the operand limit", func(t *testing.T) {
		expr := "1" + strings.Repeat("+1", maxChainTerms)
		_, err := engine.Evaluate(expr, Context{}, Options{Validate: true})
		assert.ErrorIs(t, err, ErrResolution)
	})
}

func TestPackageLevelResolve(t *testing.T) {
	t.Run("Should behave like a cached engine", func(t *testing.T) {
		ctx := Context{Objects: map[string]any{"a": []any{1, 2}}}
		out, err := Resolve(map[string]any{"n": "{{ a.length }}"}, ctx, Options{Validate: true})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"n": float64(2)}, out)
		v, err := Evaluate("a[0] == 1", ctx, Options{})
		require.NoError(t, err)
		assert.Equal(t, true, v)
	})
}
