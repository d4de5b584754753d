package dither

import (
	"math"

	"github.com/danmuck/castctl/internal/quant"
	"gonum.org/v1/gonum/optimize"
)

// Corner is one candidate cell color.
type Corner struct {
	// Raw is the integer cube corner next to the target.
	Raw quant.RGB8
	// Cell is the value written into the grid. It differs from Raw when Raw
	// is not a fixed point and a neighbour displays closer to Raw.
	Cell quant.RGB8
	// Realized is what a uniform field of Cell displays as.
	Realized quant.RGB8
	Weight   float64
	Count    int
}

func (c Corner) realized() [3]float64 {
	return c.Realized.Float()
}

func clampLevel(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return int(v)
	}
}

// rawCorners lists the distinct integer corners of the unit cube around t.
func rawCorners(t RGB) []quant.RGB8 {
	var levels [3][]uint8
	for c := range 3 {
		lo := clampLevel(math.Floor(t[c]))
		hi := clampLevel(math.Ceil(t[c]))
		levels[c] = []uint8{uint8(lo)}
		if hi != lo {
			levels[c] = append(levels[c], uint8(hi))
		}
	}
	out := make([]quant.RGB8, 0, 8)
	for _, r := range levels[0] {
		for _, g := range levels[1] {
			for _, b := range levels[2] {
				out = append(out, quant.RGB8{r, g, b})
			}
		}
	}
	return out
}

// corners resolves each raw corner to a realizable cell value and drops
// corners whose realized values coincide.
func corners(t RGB) []Corner {
	raw := rawCorners(t)
	out := make([]Corner, 0, len(raw))
	seen := make(map[quant.RGB8]bool, len(raw))
	for _, c := range raw {
		cell := surrogate(c, t)
		realized := quant.RoundTrip(cell)
		if seen[realized] {
			continue
		}
		seen[realized] = true
		out = append(out, Corner{Raw: c, Cell: cell, Realized: realized})
	}
	return out
}

// surrogate searches the integer neighbourhood of c, stepping away from the
// target on each channel, for the value whose round trip lands closest to c.
func surrogate(c quant.RGB8, t RGB) quant.RGB8 {
	if quant.IsFixedPoint(c) {
		return c
	}
	var steps [3][]int
	for ch := range 3 {
		switch v := float64(c[ch]); {
		case v > t[ch]:
			steps[ch] = []int{0, 1}
		case v < t[ch]:
			steps[ch] = []int{0, -1}
		default:
			steps[ch] = []int{0, -1, 1}
		}
	}

	best := c
	bestMax, bestSum, bestMoves := score(c, c)
	for _, dr := range steps[0] {
		for _, dg := range steps[1] {
			for _, db := range steps[2] {
				n, ok := offset(c, dr, dg, db)
				if !ok {
					continue
				}
				m, s, moves := score(n, c)
				if m < bestMax || (m == bestMax && (s < bestSum || (s == bestSum && moves < bestMoves))) {
					best, bestMax, bestSum, bestMoves = n, m, s, moves
				}
			}
		}
	}
	return best
}

func offset(c quant.RGB8, dr, dg, db int) (quant.RGB8, bool) {
	var out quant.RGB8
	for ch, d := range [3]int{dr, dg, db} {
		v := int(c[ch]) + d
		if v < 0 || v > 255 {
			return quant.RGB8{}, false
		}
		out[ch] = uint8(v)
	}
	return out, true
}

// score ranks candidate n by how far its round trip lands from want:
// worst channel, then total, then how many channels were moved.
func score(n, want quant.RGB8) (int, int, int) {
	got := quant.RoundTrip(n)
	worst, sum, moves := 0, 0, 0
	for ch := range 3 {
		d := int(got[ch]) - int(want[ch])
		if d < 0 {
			d = -d
		}
		sum += d
		worst = max(worst, d)
		if n[ch] != want[ch] {
			moves++
		}
	}
	return worst, sum, moves
}

// solveWeights finds a convex combination of realized corners closest to t.
// The last weight is implicit (1 - sum of the others); weights outside [0,1]
// carry a quadratic penalty. The result is clamped and renormalised.
func solveWeights(cs []Corner, t RGB, penalty float64) []float64 {
	m := len(cs)
	if m == 1 {
		return []float64{1}
	}
	rel := make([][3]float64, m)
	for k, c := range cs {
		r := c.realized()
		for ch := range 3 {
			rel[k][ch] = r[ch] - t[ch]
		}
	}
	full := func(x []float64) []float64 {
		w := make([]float64, m)
		last := 1.0
		for k, v := range x {
			w[k] = v
			last -= v
		}
		w[m-1] = last
		return w
	}
	objective := func(x []float64) float64 {
		w := full(x)
		var mix [3]float64
		var pen float64
		for k, wk := range w {
			for ch := range 3 {
				mix[ch] += wk * rel[k][ch]
			}
			if wk < 0 {
				pen += wk * wk
			} else if wk > 1 {
				pen += (wk - 1) * (wk - 1)
			}
		}
		return mix[0]*mix[0] + mix[1]*mix[1] + mix[2]*mix[2] + penalty*pen
	}

	x0 := make([]float64, m-1)
	for k := range x0 {
		x0[k] = 1 / float64(m)
	}
	x := x0
	// Hitting the evaluation limit is reported as an error but still carries
	// the best point found.
	res, _ := optimize.Minimize(optimize.Problem{Func: objective}, x0, &optimize.Settings{
		FuncEvaluations: 400 * m,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Iterations: 50},
	}, &optimize.NelderMead{SimplexSize: 0.25})
	if res != nil && len(res.X) == len(x0) {
		x = res.X
	}

	w := full(x)
	var sum float64
	for k := range w {
		w[k] = math.Max(0, math.Min(1, w[k]))
		sum += w[k]
	}
	if sum == 0 {
		for k := range w {
			w[k] = 1 / float64(m)
		}
		return w
	}
	for k := range w {
		w[k] /= sum
	}
	return w
}

// allocate turns weights into per-corner cell counts summing to cells.
// Counts are rounded to nearest; the remainder goes to the heaviest corner.
func allocate(weights []float64, cells int) []int {
	counts := make([]int, len(weights))
	total := 0
	heaviest := 0
	for k, w := range weights {
		counts[k] = int(math.Round(w * float64(cells)))
		total += counts[k]
		if w > weights[heaviest] {
			heaviest = k
		}
	}
	counts[heaviest] += cells - total
	// Rounding up on several corners can overdraw the heaviest one.
	for counts[heaviest] < 0 {
		deficit := -counts[heaviest]
		counts[heaviest] = 0
		for k := range counts {
			if k == heaviest || counts[k] == 0 {
				continue
			}
			take := min(deficit, counts[k])
			counts[k] -= take
			deficit -= take
			if deficit == 0 {
				break
			}
		}
	}
	return counts
}
