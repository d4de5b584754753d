package dither

import "sort"

// bayer2 is the 2x2 ordered-dither kernel indexed [y][x].
var bayer2 = [2][2]int{{0, 2}, {3, 1}}

// bayerRank is the position of (x, y) in a 2^bits square Bayer matrix.
func bayerRank(x, y, bits int) int {
	v := 0
	for i := range bits {
		v = v*4 + bayer2[(y>>i)&1][(x>>i)&1]
	}
	return v
}

// BayerOrder returns the cells of an n x n grid, as row-major indices, in
// ordered-dither sequence. Sizes that are not a power of two take the order of
// the enclosing power-of-two matrix restricted to the grid.
func BayerOrder(n int) []int {
	if n <= 0 {
		return nil
	}
	bits := 0
	for 1<<bits < n {
		bits++
	}
	order := make([]int, 0, n*n)
	rank := make([]int, n*n)
	for y := range n {
		for x := range n {
			i := y*n + x
			rank[i] = bayerRank(x, y, bits)
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool { return rank[order[a]] < rank[order[b]] })
	return order
}
