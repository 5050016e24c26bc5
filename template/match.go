package template

import "strings"

// Match reports whether s is an instance of template t and, if so, returns
// the substring bound to each placeholder name.
//
// s matches when some assignment of contiguous substrings to the
// placeholders makes the concatenation of fixed parts and bindings equal s
// exactly. Fixed text before the first placeholder anchors at the start of
// s, fixed text after the last placeholder anchors at the end. A placeholder
// may bind the empty string, and every occurrence of a repeated name must
// bind the same substring.
//
// When several assignments exist, each placeholder except the last takes the
// shortest substring that still lets the rest of the template match, and the
// last takes whatever remains. This is the binding a non-greedy regex with a
// greedy final group would produce, but the search is an explicit
// backtracking scan so repeated names stay consistent.
func Match(t, s string) (map[string]string, bool) {
	segs := parse(t)
	bindings := make(map[string]string)
	if !matchFrom(segs, s, 0, 0, bindings) {
		return nil, false
	}
	return bindings, true
}

// Matches is Match without the bindings.
func Matches(t, s string) bool {
	_, ok := Match(t, s)
	return ok
}

func matchFrom(segs []segment, s string, si, pos int, bindings map[string]string) bool {
	if si == len(segs) {
		return pos == len(s)
	}
	seg := segs[si]

	if !seg.isVar {
		if !strings.HasPrefix(s[pos:], seg.text) {
			return false
		}
		return matchFrom(segs, s, si+1, pos+len(seg.text), bindings)
	}

	// A repeated name has no freedom: it must reproduce its bound value.
	if bound, ok := bindings[seg.text]; ok {
		if !strings.HasPrefix(s[pos:], bound) {
			return false
		}
		return matchFrom(segs, s, si+1, pos+len(bound), bindings)
	}

	// The final placeholder takes everything up to the trailing fixed part,
	// which must sit flush against the end of s.
	if si == len(segs)-2 {
		tail := segs[si+1].text
		end := len(s) - len(tail)
		if end < pos || s[end:] != tail {
			return false
		}
		bindings[seg.text] = s[pos:end]
		return true
	}

	// Non-final placeholder: try bindings shortest-first. When the next
	// literal is non-empty, candidate end positions are its occurrences.
	next := segs[si+1].text
	for end := pos; end <= len(s); end++ {
		if next != "" {
			i := strings.Index(s[end:], next)
			if i < 0 {
				break
			}
			end += i
		}
		bindings[seg.text] = s[pos:end]
		if matchFrom(segs, s, si+1, end, bindings) {
			return true
		}
		delete(bindings, seg.text)
	}
	return false
}
