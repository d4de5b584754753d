// Package dither computes small tiled pixel patterns whose displayed average,
// after the receiver's scaling and 8-bit round trip, lands on a continuous
// target color.
package dither

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/danmuck/castctl/internal/quant"
)

var (
	ErrTargetRange = errors.New("dither: target outside [0,255]")
	ErrGridSize    = errors.New("dither: invalid grid size")
	ErrConfig      = errors.New("dither: invalid config")
)

// RGB is a continuous target color, each channel in [0,255].
type RGB [3]float64

type Config struct {
	GridSize      int
	MaxIterations int
	// Tolerance is the acceptable worst-channel error in display levels.
	Tolerance float64
	// Substitution scores are scaled by a random factor in [1-a, 1+a] where a
	// decays from NoiseStart to NoiseEnd with exponent NoiseShape.
	NoiseStart float64
	NoiseEnd   float64
	NoiseShape float64
	// ResetThreshold bounds the accumulated error above the best grid seen
	// before the search restarts from that grid.
	ResetThreshold float64
	PenaltyWeight  float64
	Seed           uint64
	Upsampler      *quant.Upsampler
}

func DefaultConfig() Config {
	return Config{
		GridSize:       8,
		MaxIterations:  40,
		Tolerance:      0.02,
		NoiseStart:     0.3,
		NoiseEnd:       0.01,
		NoiseShape:     2,
		ResetThreshold: 1.0,
		PenaltyWeight:  1e4,
		Seed:           0x5eed,
	}
}

// WithDefaults fills unset fields. A zero Config means DefaultConfig. In any
// other Config, Tolerance, NoiseStart, NoiseEnd and ResetThreshold are taken
// as given, so zero is a valid setting for each of them.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.isZero() {
		d.Upsampler = c.Upsampler
		c = d
	}
	if c.GridSize == 0 {
		c.GridSize = d.GridSize
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.NoiseShape == 0 {
		c.NoiseShape = d.NoiseShape
	}
	if c.PenaltyWeight == 0 {
		c.PenaltyWeight = d.PenaltyWeight
	}
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
	if c.Upsampler == nil {
		c.Upsampler = quant.DefaultUpsampler()
	}
	return c
}

func (c Config) isZero() bool {
	c.Upsampler = nil
	return c == Config{}
}

// Validate rejects settings the search cannot run with.
func (c Config) Validate() error {
	if c.GridSize < 1 || c.GridSize > 64 {
		return fmt.Errorf("%w: %d", ErrGridSize, c.GridSize)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"tolerance", c.Tolerance},
		{"noise start", c.NoiseStart},
		{"noise end", c.NoiseEnd},
		{"noise shape", c.NoiseShape},
		{"reset threshold", c.ResetThreshold},
		{"penalty weight", c.PenaltyWeight},
	} {
		if math.IsNaN(f.v) || f.v < 0 {
			return fmt.Errorf("%w: %s %v", ErrConfig, f.name, f.v)
		}
	}
	return nil
}

type Result struct {
	Grid quant.Grid
	// Error is the worst-channel distance between Mean and the target.
	Error      float64
	Mean       [3]float64
	Iterations int
	Resets     int
	Corners    []Corner
}

// Optimize searches for the grid whose simulated display best matches target.
// Identical targets and configs always produce identical grids.
func Optimize(target RGB, cfg Config) (Result, error) {
	for _, v := range target {
		if math.IsNaN(v) || v < 0 || v > 255 {
			return Result{}, fmt.Errorf("%w: %v", ErrTargetRange, target)
		}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	n := cfg.GridSize
	cells := n * n
	cs := corners(target)
	weights := solveWeights(cs, target, cfg.PenaltyWeight)
	counts := allocate(weights, cells)
	for k := range cs {
		cs[k].Weight = weights[k]
		cs[k].Count = counts[k]
	}

	t := &task{
		target:  target,
		cfg:     cfg,
		n:       n,
		corners: cs,
		rng:     rand.New(rand.NewPCG(cfg.Seed, targetHash(target))),
	}
	t.collectRealized()
	return t.run(place(counts, BayerOrder(n))), nil
}

// Baseline is the error of showing target as a single color: the nearest
// integer triple after one round trip.
func Baseline(target RGB) float64 {
	var c quant.RGB8
	for ch, v := range target {
		c[ch] = uint8(clampLevel(math.Round(v)))
	}
	return maxErr(quant.RoundTrip(c).Float(), target)
}

func maxErr(mean [3]float64, target RGB) float64 {
	worst := 0.0
	for ch := range 3 {
		worst = math.Max(worst, math.Abs(mean[ch]-target[ch]))
	}
	return worst
}

func targetHash(t RGB) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range t {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// place assigns corner indices to cells along order, scarcest corner first so
// minority colors land on the most dispersed positions.
func place(counts []int, order []int) []int {
	ks := make([]int, len(counts))
	for k := range ks {
		ks[k] = k
	}
	sort.SliceStable(ks, func(a, b int) bool { return counts[ks[a]] < counts[ks[b]] })
	idx := make([]int, len(order))
	pos := 0
	for _, k := range ks {
		for range counts[k] {
			idx[order[pos]] = k
			pos++
		}
	}
	return idx
}

type task struct {
	target  RGB
	cfg     Config
	n       int
	corners []Corner
	rel     [][3]float64
	span    [3]float64
	rng     *rand.Rand
}

func (t *task) collectRealized() {
	t.rel = make([][3]float64, len(t.corners))
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for k, c := range t.corners {
		t.rel[k] = c.realized()
		for ch := range 3 {
			lo[ch] = math.Min(lo[ch], t.rel[k][ch])
			hi[ch] = math.Max(hi[ch], t.rel[k][ch])
		}
	}
	for ch := range 3 {
		t.span[ch] = hi[ch] - lo[ch]
	}
}

func (t *task) grid(idx []int) quant.Grid {
	g := quant.NewGrid(t.n, t.n)
	for i, k := range idx {
		g.Pix[i] = t.corners[k].Cell
	}
	return g
}

func (t *task) evaluate(idx []int) ([3]float64, float64) {
	mean := t.cfg.Upsampler.Mean(t.grid(idx))
	return mean, maxErr(mean, t.target)
}

type state struct {
	idx  []int
	mean [3]float64
	err  float64
}

func (s state) clone() state {
	s.idx = append([]int(nil), s.idx...)
	return s
}

// uniformSeed is the best single-corner grid.
func (t *task) uniformSeed() state {
	cells := t.n * t.n
	var best state
	best.err = math.Inf(1)
	for k := range t.corners {
		idx := make([]int, cells)
		for i := range idx {
			idx[i] = k
		}
		mean, err := t.evaluate(idx)
		if err < best.err {
			best = state{idx: idx, mean: mean, err: err}
		}
	}
	return best
}

func (t *task) noise(iter int) float64 {
	frac := float64(iter) / float64(t.cfg.MaxIterations)
	return t.cfg.NoiseEnd + (t.cfg.NoiseStart-t.cfg.NoiseEnd)*math.Pow(1-frac, t.cfg.NoiseShape)
}

func (t *task) run(initial []int) Result {
	cur := state{idx: initial}
	cur.mean, cur.err = t.evaluate(cur.idx)
	best := t.uniformSeed()
	if cur.err <= best.err {
		best = cur.clone()
	}

	cells := float64(t.n * t.n)
	iterations, resets := 0, 0
	regress := 0.0
	for iter := 0; iter < t.cfg.MaxIterations && cur.err > t.cfg.Tolerance; iter++ {
		var corr [3]float64
		var need float64
		for ch := range 3 {
			limit := t.span[ch] / cells
			corr[ch] = math.Max(-limit, math.Min(limit, t.target[ch]-cur.mean[ch]))
			need += corr[ch] * corr[ch]
		}
		if need == 0 {
			break
		}

		amp := t.noise(iter)
		cell, corner := -1, -1
		bestScore := math.Inf(1)
		for i, from := range cur.idx {
			for k := range t.corners {
				if k == from {
					continue
				}
				var d2 float64
				for ch := range 3 {
					delta := (t.rel[k][ch] - t.rel[from][ch]) / cells
					d2 += (delta - corr[ch]) * (delta - corr[ch])
				}
				if d2 >= need {
					continue
				}
				score := d2 * (1 + amp*(2*t.rng.Float64()-1))
				if score < bestScore {
					bestScore, cell, corner = score, i, k
				}
			}
		}
		if cell < 0 {
			break
		}

		cur.idx[cell] = corner
		cur.mean, cur.err = t.evaluate(cur.idx)
		iterations++
		if cur.err < best.err {
			best = cur.clone()
			regress = 0
			continue
		}
		regress += cur.err - best.err
		if regress > t.cfg.ResetThreshold {
			cur = best.clone()
			regress = 0
			resets++
		}
	}

	return Result{
		Grid:       t.grid(best.idx),
		Error:      best.err,
		Mean:       best.mean,
		Iterations: iterations,
		Resets:     resets,
		Corners:    t.corners,
	}
}
