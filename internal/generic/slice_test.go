package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShuffle_KeepsElements(t *testing.T) {
	orig := []int{1, 2, 3, 4, 5}
	shuffled := make([]int, len(orig))
	copy(shuffled, orig)

	Shuffle(shuffled)

	assert.ElementsMatch(t, orig, shuffled)
}

func TestFilter(t *testing.T) {
	even := Filter([]int{1, 2, 3, 4, 5}, func(v int) bool { return v%2 == 0 })
	assert.Equal(t, []int{2, 4}, even)

	assert.Nil(t, Filter([]int{1, 3}, func(v int) bool { return v%2 == 0 }))
}

func TestSortBy(t *testing.T) {
	type pair struct {
		name string
		rank int
	}

	pairs := []pair{{"c", 3}, {"a", 1}, {"b", 2}}
	SortBy(pairs, func(p pair) int { return p.rank })

	assert.Equal(t, []pair{{"a", 1}, {"b", 2}, {"c", 3}}, pairs)
}
