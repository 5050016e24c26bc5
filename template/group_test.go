package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupTwoFamilies(t *testing.T) {
	ss := []string{
		"Say hello to Alice",
		"Say hello to Bob",
		"What time is it in Paris?",
		"Say hello to Charlie",
		"What time is it in Tokyo?",
	}
	clusters := Group(ss, 3, 2)
	require.Len(t, clusters, 2)

	assert.Equal(t, "Say hello to {{var_0}}", clusters[0].Template)
	assert.Equal(t, []int{0, 1, 3}, clusters[0].Indices)

	assert.Equal(t, "What time is it in {{var_0}}", clusters[1].Template)
	assert.Equal(t, []int{2, 4}, clusters[1].Indices)
}

func TestGroupEveryMemberMatches(t *testing.T) {
	ss := []string{
		"Translate to French: the cat sleeps",
		"Translate to French: rain tomorrow",
		"Summarize this article about geology",
		"Translate to French: we are late",
		"Summarize this article about pottery",
	}
	clusters := Group(ss, 3, 2)
	require.NotEmpty(t, clusters)
	for _, c := range clusters {
		for _, i := range c.Indices {
			bindings, ok := Match(c.Template, ss[i])
			require.True(t, ok, "template %q should match member %q", c.Template, ss[i])
			assert.Equal(t, ss[i], Render(c.Template, bindings))
		}
	}
}

func TestGroupDropsSmallBuckets(t *testing.T) {
	ss := []string{
		"Say hello to Alice",
		"Say hello to Bob",
		"Say hello to Charlie",
		"What time is it in Paris?",
		"What time is it in Tokyo?",
	}
	clusters := Group(ss, 3, 3)
	require.Len(t, clusters, 1)
	assert.Equal(t, "Say hello to {{var_0}}", clusters[0].Template)
	assert.Equal(t, []int{0, 1, 2}, clusters[0].Indices)
}

func TestGroupUnrelatedStringsStayOut(t *testing.T) {
	ss := []string{
		"Say hello to Alice",
		"Say hello to Bob",
		"completely unrelated text",
	}
	clusters := Group(ss, 3, 2)
	require.Len(t, clusters, 1)
	assert.Equal(t, []int{0, 1}, clusters[0].Indices)
}

func TestGroupPrefersGreatestAnchorLength(t *testing.T) {
	// Strings 0 and 1 fit both the specific template (three anchor words)
	// and the looser one (two); they must land on the specific one, which
	// starves the loose bucket below the member minimum.
	ss := []string{
		"alpha beta gamma one",
		"alpha beta gamma two",
		"alpha beta delta three",
	}
	clusters := Group(ss, 1, 2)
	require.Len(t, clusters, 1)
	assert.Equal(t, "alpha beta gamma {{var_0}}", clusters[0].Template)
	assert.Equal(t, []int{0, 1}, clusters[0].Indices)
}

func TestGroupNothingInCommon(t *testing.T) {
	assert.Nil(t, Group([]string{"one two", "three four", "five six"}, 1, 2))
}

func TestGroupTooFewStrings(t *testing.T) {
	assert.Nil(t, Group(nil, 3, 2))
	assert.Nil(t, Group([]string{"lonely prompt"}, 3, 2))
}

func TestGroupIsDeterministic(t *testing.T) {
	ss := []string{
		"Review the code change below for bugs: diff A",
		"Review the code change below for bugs: diff B",
		"Review the code change below for bugs: diff C",
		"Write a haiku about winter",
		"Write a haiku about the sea",
	}
	first := Group(ss, 3, 2)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Group(ss, 3, 2))
	}
}
