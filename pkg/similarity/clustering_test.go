package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJaccardSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		set1     map[string]bool
		set2     map[string]bool
		expected float64
	}{
		{
			name:     "identical sets",
			set1:     map[string]bool{"a": true, "b": true, "c": true},
			set2:     map[string]bool{"a": true, "b": true, "c": true},
			expected: 1.0,
		},
		{
			name:     "no overlap",
			set1:     map[string]bool{"a": true, "b": true},
			set2:     map[string]bool{"c": true, "d": true},
			expected: 0.0,
		},
		{
			name:     "partial overlap",
			set1:     map[string]bool{"a": true, "b": true, "c": true},
			set2:     map[string]bool{"b": true, "c": true, "d": true},
			expected: 0.5, // intersection=2, union=4
		},
		{
			name:     "empty sets",
			set1:     map[string]bool{},
			set2:     map[string]bool{},
			expected: 1.0,
		},
		{
			name:     "one empty set",
			set1:     map[string]bool{"a": true},
			set2:     map[string]bool{},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, JaccardSimilarity(tt.set1, tt.set2), 0.001)
		})
	}
}

func TestExtractTerms(t *testing.T) {
	terms := ExtractTerms("The invoice TOTAL should include tax, not shipping!")
	assert.Contains(t, terms, "invoice")
	assert.Contains(t, terms, "total")
	assert.Contains(t, terms, "include")
	assert.Contains(t, terms, "tax")
	assert.Contains(t, terms, "shipping")
	assert.NotContains(t, terms, "the")
	assert.NotContains(t, terms, "should")
	assert.NotContains(t, terms, "not")
}

func TestCluster(t *testing.T) {
	texts := []string{
		"invoice totals include tax",
		"weather report for berlin",
		"invoice totals must include tax amounts",
		"include tax in invoice totals",
	}
	groups := Cluster(texts, 0.5)
	require.Len(t, groups, 2)
	assert.Equal(t, []int{0, 2, 3}, groups[0])
	assert.Equal(t, []int{1}, groups[1])

	assert.Empty(t, Cluster(nil, 0.5))
	assert.Equal(t, [][]int{{0}}, Cluster([]string{"solo"}, 0.5))
}
