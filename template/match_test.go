package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchNoPlaceholders(t *testing.T) {
	bindings, ok := Match("hello world", "hello world")
	assert.True(t, ok)
	assert.Empty(t, bindings)

	_, ok = Match("hello world", "hello worlds")
	assert.False(t, ok)

	_, ok = Match("", "")
	assert.True(t, ok)

	_, ok = Match("", "x")
	assert.False(t, ok)
}

func TestMatchSinglePlaceholder(t *testing.T) {
	bindings, ok := Match("Say hello to {{var_0}}", "Say hello to Dave")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"var_0": "Dave"}, bindings)
}

func TestMatchBindings(t *testing.T) {
	tests := []struct {
		name     string
		template string
		s        string
		want     map[string]string
	}{
		{
			name:     "two placeholders",
			template: "User {{var_0}} has email {{var_1}}@x.com",
			s:        "User Carol has email c@x.com",
			want:     map[string]string{"var_0": "Carol", "var_1": "c"},
		},
		{
			name:     "empty binding",
			template: "a{{x}}b",
			s:        "ab",
			want:     map[string]string{"x": ""},
		},
		{
			name:     "greedy tail keeps separators",
			template: "{{key}}: {{rest}}",
			s:        "k: v: w",
			want:     map[string]string{"key": "k", "rest": "v: w"},
		},
		{
			name:     "non-final placeholder is shortest",
			template: "{{a}} and {{b}}",
			s:        "x and y and z",
			want:     map[string]string{"a": "x", "b": "y and z"},
		},
		{
			name:     "adjacent placeholders",
			template: "{{a}}{{b}}",
			s:        "xy",
			want:     map[string]string{"a": "", "b": "xy"},
		},
		{
			name:     "newlines bind like any character",
			template: "A{{v}}B",
			s:        "A\nline1\nline2\nB",
			want:     map[string]string{"v": "\nline1\nline2\n"},
		},
		{
			name:     "trimmed placeholder name",
			template: "{{ name }}!",
			s:        "bob!",
			want:     map[string]string{"name": "bob"},
		},
		{
			name:     "unicode",
			template: "héllo {{v}}",
			s:        "héllo wörld",
			want:     map[string]string{"v": "wörld"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bindings, ok := Match(tt.template, tt.s)
			require.True(t, ok)
			assert.Equal(t, tt.want, bindings)
		})
	}
}

func TestMatchAnchoring(t *testing.T) {
	// Fixed text before the first placeholder anchors at the start.
	_, ok := Match("start {{v}}", "Xstart Y")
	assert.False(t, ok)

	// Fixed text after the last placeholder anchors at the end.
	_, ok = Match("{{v}} end", "foo endX")
	assert.False(t, ok)
}

func TestMatchRepeatedNames(t *testing.T) {
	bindings, ok := Match("{{x}} vs {{x}}", "red vs red")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"x": "red"}, bindings)

	_, ok = Match("{{x}} vs {{x}}", "red vs blue")
	assert.False(t, ok)

	// Repetition in the final position uses the earlier binding.
	bindings, ok = Match("{{x}}-{{x}}", "a-a")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"x": "a"}, bindings)
}

func TestMatchBacktracksOverLiteralOccurrences(t *testing.T) {
	// Binding a to the first " - " occurrence would force x to bind
	// "q - r", which the repetition at the tail rejects. The scan must
	// back up and bind a across the second occurrence instead.
	bindings, ok := Match("{{a}} - {{x}} ok {{x}}", "p - q - r ok r")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"a": "p - q", "x": "r"}, bindings)
}

// Substituting the bindings back into the template must reproduce the
// matched string exactly.
func TestMatchRenderRoundTrip(t *testing.T) {
	tests := []struct {
		template string
		s        string
	}{
		{"Say hello to {{var_0}}", "Say hello to Dave"},
		{"User {{var_0}} has email {{var_1}}@x.com", "User Carol has email c@x.com"},
		{"{{a}}{{b}}", "xy"},
		{"{{x}} vs {{x}}", "red vs red"},
		{"a{{x}}b", "ab"},
		{"{{key}}: {{rest}}", "k: v: w"},
		{"A{{v}}B", "A\nmulti\nline\nB"},
	}
	for _, tt := range tests {
		bindings, ok := Match(tt.template, tt.s)
		require.True(t, ok, "template %q should match %q", tt.template, tt.s)
		assert.Equal(t, tt.s, Render(tt.template, bindings))
	}
}

func TestMatchDoesNotMatch(t *testing.T) {
	tests := []struct {
		name     string
		template string
		s        string
	}{
		{"missing literal", "Say hello to {{v}}", "Say goodbye to Dave"},
		{"literal absent entirely", "{{a}} and {{b}}", "x or y"},
		{"shorter than fixed parts", "abc{{v}}def", "abdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Match(tt.template, tt.s)
			assert.False(t, ok)
		})
	}
}
