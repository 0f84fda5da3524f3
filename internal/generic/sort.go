package generic

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// SortBy sorts the slice by an ordered key extracted from each element.
func SortBy[T any, K constraints.Ordered](arr []T, key func(T) K) {
	sort.Slice(arr, func(i, j int) bool {
		return key(arr[i]) < key(arr[j])
	})
}
