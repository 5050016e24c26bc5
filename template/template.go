// Package template implements prompt templates: strings of fixed text
// interspersed with {{var_NAME}} placeholders.
//
// The package has three jobs. Match decides whether a concrete prompt is an
// instance of a template and extracts the placeholder bindings. Infer derives
// a template from a set of similar prompts by common-segment extraction.
// Group clusters a larger set of prompts into buckets that share an inferred
// template. Together they power automatic discovery of prompt families over
// a trace stream.
//
// Placeholder names may be any run of non-"}" characters; surrounding
// whitespace is trimmed, so {{ var_0 }} and {{var_0}} are the same
// placeholder. Names may repeat within a template.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// segment is one piece of a parsed template: a literal run of fixed text or
// a named placeholder.
type segment struct {
	text  string // literal text, or the placeholder name
	isVar bool
}

// parse splits a template into segments. The result always alternates
// literal, placeholder, literal, ... beginning and ending with a literal;
// adjacent placeholders are separated by an empty literal.
func parse(t string) []segment {
	var segs []segment
	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(t, -1) {
		segs = append(segs, segment{text: t[last:loc[0]]})
		segs = append(segs, segment{text: strings.TrimSpace(t[loc[2]:loc[3]]), isVar: true})
		last = loc[1]
	}
	segs = append(segs, segment{text: t[last:]})
	return segs
}

// Vars returns the distinct placeholder names in t, ordered by first
// appearance.
func Vars(t string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, seg := range parse(t) {
		if seg.isVar && !seen[seg.text] {
			seen[seg.text] = true
			names = append(names, seg.text)
		}
	}
	return names
}

// HasPlaceholders reports whether t contains at least one placeholder.
func HasPlaceholders(t string) bool {
	return placeholderPattern.MatchString(t)
}

// Render substitutes bindings into t. Placeholder names missing from
// bindings render as the empty string.
func Render(t string, bindings map[string]string) string {
	var b strings.Builder
	for _, seg := range parse(t) {
		if seg.isVar {
			b.WriteString(bindings[seg.text])
		} else {
			b.WriteString(seg.text)
		}
	}
	return b.String()
}

// AnchorWords returns the total number of word tokens across the literal
// segments of t. It is the "aggregate anchor length" used to rank competing
// templates during grouping.
func AnchorWords(t string) int {
	words := 0
	for _, seg := range parse(t) {
		if seg.isVar {
			continue
		}
		for _, tok := range tokenize(seg.text) {
			if tok.word {
				words++
			}
		}
	}
	return words
}

func placeholder(n int) string {
	return fmt.Sprintf("{{var_%d}}", n)
}
