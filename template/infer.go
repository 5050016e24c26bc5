package template

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// token is one unit of the inference token stream. Word tokens are maximal
// alphanumeric runs; every other character (punctuation, spaces, newlines)
// is a single-character token of its own. Whitespace tokens matter for
// reassembly but never count toward word thresholds.
type token struct {
	text string
	word bool
}

func tokenize(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if isWordRune(r) {
			j := i + size
			for j < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[j:])
				if !isWordRune(r2) {
					break
				}
				j += sz
			}
			toks = append(toks, token{text: s[i:j], word: true})
			i = j
			continue
		}
		toks = append(toks, token{text: s[i : i+size]})
		i += size
	}
	return toks
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// meaningful rejects anchors too weak to pin a template. A single token
// passes only if it is punctuation or whitespace, or a word of at least 5
// characters. A multi-token anchor fails only when it is purely alphabetic
// with a combined length of 3 characters or fewer.
func meaningful(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	if len(toks) == 1 {
		if !toks[0].word {
			return true
		}
		return utf8.RuneCountInString(toks[0].text) >= 5
	}
	length := 0
	alphabetic := true
	for _, t := range toks {
		length += utf8.RuneCountInString(t.text)
		for _, r := range t.text {
			if !unicode.IsLetter(r) {
				alphabetic = false
			}
		}
	}
	return !(alphabetic && length <= 3)
}

// Infer derives a template that accommodates every string in ss.
//
// The shortest string (ties broken by position in ss) acts as the
// reference. Its token stream is walked left to right, greedily taking the
// longest run of tokens that holds at least k word tokens and occurs, in
// order, in every string after the previous anchor's occurrence. Each run
// that survives the meaningfulness filter becomes a literal anchor; the
// gaps between anchors become numbered placeholders {{var_0}}, {{var_1}},
// and so on. Leading and trailing placeholders appear only when some string
// actually has content there.
//
// An empty ss yields the empty string. A single string is returned
// unchanged. When no anchor can be found the whole input is variable and
// the result is exactly "{{var_0}}".
func Infer(ss []string, k int) string {
	if len(ss) == 0 {
		return ""
	}
	if len(ss) == 1 {
		return ss[0]
	}
	if k < 1 {
		k = 1
	}

	ref := ss[0]
	for _, s := range ss[1:] {
		if len(s) < len(ref) {
			ref = s
		}
	}

	anchors := extractAnchors(ref, ss, k)
	if len(anchors) == 0 {
		return placeholder(0)
	}

	// Walk every string over the anchors to learn whether the edges carry
	// content anywhere.
	leading, trailing := false, false
	for _, s := range ss {
		pos := 0
		for ai, a := range anchors {
			idx := strings.Index(s[pos:], a)
			if idx < 0 {
				// Anchors were verified against every string during
				// extraction, so this cannot fail.
				leading, trailing = true, true
				break
			}
			if ai == 0 && pos+idx > 0 {
				leading = true
			}
			pos += idx + len(a)
		}
		if pos < len(s) {
			trailing = true
		}
	}

	var b strings.Builder
	n := 0
	if leading {
		b.WriteString(placeholder(n))
		n++
	}
	for i, a := range anchors {
		if i > 0 {
			b.WriteString(placeholder(n))
			n++
		}
		b.WriteString(a)
	}
	if trailing {
		b.WriteString(placeholder(n))
	}
	return b.String()
}

// extractAnchors walks the reference token stream and returns the literal
// anchors shared by every string, in order.
func extractAnchors(ref string, ss []string, k int) []string {
	toks := tokenize(ref)

	// Byte offset of each token boundary in ref; offs[i] is where token i
	// starts, offs[len(toks)] is len(ref).
	offs := make([]int, len(toks)+1)
	for i, t := range toks {
		offs[i+1] = offs[i] + len(t.text)
	}

	positions := make([]int, len(ss))
	var anchors []string

	start := 0
	for start < len(toks) {
		best := -1
		words := 0
		for end := start + 1; end <= len(toks); end++ {
			if toks[end-1].word {
				words++
			}
			sub := ref[offs[start]:offs[end]]
			if !commonToAll(sub, ss, positions) {
				break
			}
			if words >= k {
				best = end
			}
		}
		if best < 0 || !meaningful(toks[start:best]) {
			start++
			continue
		}
		anchor := ref[offs[start]:offs[best]]
		anchors = append(anchors, anchor)
		for i, s := range ss {
			idx := strings.Index(s[positions[i]:], anchor)
			positions[i] += idx + len(anchor)
		}
		start = best
	}
	return anchors
}

// commonToAll reports whether sub occurs in every string at or after that
// string's current search position.
func commonToAll(sub string, ss []string, positions []int) bool {
	for i, s := range ss {
		if !strings.Contains(s[positions[i]:], sub) {
			return false
		}
	}
	return true
}
