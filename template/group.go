package template

// Cluster is one bucket produced by Group: the template inferred from its
// members and the indexes into the input slice of the strings assigned to
// it.
type Cluster struct {
	Template string
	Indices  []int
}

// Group clusters ss into buckets of strings that share an inferred
// template. k is the minimum anchor length in word tokens (as in Infer) and
// minMembers is the smallest bucket size worth keeping.
//
// Candidate templates come from inferring over every pair of strings. Each
// string is then assigned to the candidate it matches with the greatest
// total anchor word count, ties going to the earliest-discovered candidate.
// Buckets smaller than minMembers are dropped, and each surviving bucket's
// template is re-inferred from its full membership so the result is exactly
// what Infer produces for those strings.
//
// Clusters come back ordered by the first string assigned to them, with
// ascending member indexes; the whole operation is a pure function of its
// arguments.
func Group(ss []string, k, minMembers int) []Cluster {
	if minMembers < 1 {
		minMembers = 1
	}
	if len(ss) < minMembers || len(ss) < 2 {
		return nil
	}

	// Candidate discovery over pairs. Dedup by template text, keeping
	// discovery order.
	var candidates []string
	seen := make(map[string]bool)
	for i := 0; i < len(ss); i++ {
		for j := i + 1; j < len(ss); j++ {
			t := Infer([]string{ss[i], ss[j]}, k)
			if seen[t] || AnchorWords(t) < k {
				continue
			}
			seen[t] = true
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Assignment: best-matching candidate per string.
	members := make(map[int][]int) // candidate index -> member indexes
	var order []int                // candidate indexes by first assignment
	for si, s := range ss {
		bestIdx, bestWords := -1, -1
		for ci, t := range candidates {
			if !Matches(t, s) {
				continue
			}
			if w := AnchorWords(t); w > bestWords {
				bestIdx, bestWords = ci, w
			}
		}
		if bestIdx < 0 {
			continue
		}
		if len(members[bestIdx]) == 0 {
			order = append(order, bestIdx)
		}
		members[bestIdx] = append(members[bestIdx], si)
	}

	// Keep buckets of minMembers or more, re-inferring the template from
	// the final membership. Buckets that converge on the same template
	// merge.
	var clusters []Cluster
	byTemplate := make(map[string]int)
	for _, ci := range order {
		idxs := members[ci]
		if len(idxs) < minMembers {
			continue
		}
		group := make([]string, len(idxs))
		for i, si := range idxs {
			group[i] = ss[si]
		}
		t := Infer(group, k)
		if AnchorWords(t) < k {
			continue
		}
		if at, ok := byTemplate[t]; ok {
			clusters[at].Indices = mergeIndexes(clusters[at].Indices, idxs)
			continue
		}
		byTemplate[t] = len(clusters)
		clusters = append(clusters, Cluster{Template: t, Indices: idxs})
	}
	return clusters
}

// mergeIndexes merges two ascending index slices, dropping duplicates.
// Assignment walks strings in input order, so both slices arrive sorted.
func mergeIndexes(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i == len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
