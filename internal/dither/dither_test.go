package dither

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/danmuck/castctl/internal/quant"
	"github.com/danmuck/castctl/internal/testutil/testlog"
)

func TestExactCornerConverges(t *testing.T) {
	testlog.Start(t)

	for _, c := range []quant.RGB8{{100, 150, 200}, {0, 0, 0}, {255, 255, 255}, {128, 128, 128}} {
		if !quant.IsFixedPoint(c) {
			t.Fatalf("test color %v is not a fixed point", c)
		}
		res, err := Optimize(RGB{float64(c[0]), float64(c[1]), float64(c[2])}, DefaultConfig())
		if err != nil {
			t.Fatalf("optimize %v: %v", c, err)
		}
		if res.Error != 0 {
			t.Fatalf("optimize %v: expected zero error got=%v", c, res.Error)
		}
		if res.Iterations > 1 {
			t.Fatalf("optimize %v: expected at most one iteration got=%d", c, res.Iterations)
		}
		for i, p := range res.Grid.Pix {
			if p != c {
				t.Fatalf("optimize %v: cell %d = %v", c, i, p)
			}
		}
	}
}

func TestDitherBeatsSingleColor(t *testing.T) {
	testlog.Start(t)

	samples := 10000
	if testing.Short() {
		samples = 200
	}
	rng := rand.New(rand.NewPCG(7, 11))
	var dithered, baseline float64
	for range samples {
		target := RGB{rng.Float64() * 255, rng.Float64() * 255, rng.Float64() * 255}
		res, err := Optimize(target, DefaultConfig())
		if err != nil {
			t.Fatalf("optimize %v: %v", target, err)
		}
		dithered += res.Error
		baseline += Baseline(target)
	}
	dithered /= float64(samples)
	baseline /= float64(samples)
	t.Logf("samples=%d dithered=%.4f baseline=%.4f", samples, dithered, baseline)
	if dithered >= 0.5*baseline {
		t.Fatalf("dithering not materially better: dithered=%v baseline=%v", dithered, baseline)
	}
}

func TestOptimizeIsDeterministic(t *testing.T) {
	testlog.Start(t)

	target := RGB{37.3, 201.8, 90.45}
	a, err := Optimize(target, DefaultConfig())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	b, err := Optimize(target, DefaultConfig())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if a.Error != b.Error || a.Iterations != b.Iterations {
		t.Fatalf("runs differ: %v/%d vs %v/%d", a.Error, a.Iterations, b.Error, b.Iterations)
	}
	for i := range a.Grid.Pix {
		if a.Grid.Pix[i] != b.Grid.Pix[i] {
			t.Fatalf("cell %d differs: %v vs %v", i, a.Grid.Pix[i], b.Grid.Pix[i])
		}
	}
}

func TestOptimizeNeverWorseThanUniform(t *testing.T) {
	testlog.Start(t)

	rng := rand.New(rand.NewPCG(3, 5))
	for range 50 {
		target := RGB{rng.Float64() * 255, rng.Float64() * 255, rng.Float64() * 255}
		res, err := Optimize(target, DefaultConfig())
		if err != nil {
			t.Fatalf("optimize %v: %v", target, err)
		}
		for _, c := range res.Corners {
			if e := maxErr(c.Realized.Float(), target); res.Error > e+1e-9 {
				t.Fatalf("target %v: error %v worse than uniform corner %v (%v)", target, res.Error, c.Cell, e)
			}
		}
		mean := quant.DefaultUpsampler().Mean(res.Grid)
		if math.Abs(maxErr(mean, target)-res.Error) > 1e-9 {
			t.Fatalf("reported error %v does not match grid error %v", res.Error, maxErr(mean, target))
		}
	}
}

func TestOptimizeRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	if _, err := Optimize(RGB{-1, 0, 0}, DefaultConfig()); !errors.Is(err, ErrTargetRange) {
		t.Fatalf("expected ErrTargetRange got=%v", err)
	}
	if _, err := Optimize(RGB{math.NaN(), 0, 0}, DefaultConfig()); !errors.Is(err, ErrTargetRange) {
		t.Fatalf("expected ErrTargetRange for NaN got=%v", err)
	}
	cfg := DefaultConfig()
	cfg.GridSize = -2
	if _, err := Optimize(RGB{1, 2, 3}, cfg); !errors.Is(err, ErrGridSize) {
		t.Fatalf("expected ErrGridSize got=%v", err)
	}
}

func TestZeroToleranceAndNoiseAreKept(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Tolerance = 0
	cfg.NoiseEnd = 0
	cfg.ResetThreshold = 0
	cfg.MaxIterations = 6
	got := cfg.WithDefaults()
	if got.Tolerance != 0 || got.NoiseEnd != 0 || got.ResetThreshold != 0 {
		t.Fatalf("explicit zero overwritten: %+v", got)
	}
	if def := (Config{}).WithDefaults(); def.Tolerance != DefaultConfig().Tolerance || def.NoiseEnd != DefaultConfig().NoiseEnd {
		t.Fatalf("zero config should take defaults: %+v", def)
	}

	// Same seed and noise: a zero tolerance never stops before the default one.
	target := RGB{100.3, 150.6, 200.9}
	loose := cfg
	loose.Tolerance = DefaultConfig().Tolerance
	strict, err := Optimize(target, cfg)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	relaxed, err := Optimize(target, loose)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if strict.Iterations < relaxed.Iterations || strict.Error > relaxed.Error {
		t.Fatalf("zero tolerance stopped early: strict=(%d,%v) relaxed=(%d,%v)",
			strict.Iterations, strict.Error, relaxed.Iterations, relaxed.Error)
	}

	cfg.NoiseStart = -0.1
	if _, err := Optimize(RGB{1, 2, 3}, cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig got=%v", err)
	}
}

func TestBayerOrder(t *testing.T) {
	testlog.Start(t)

	if got := BayerOrder(2); got[0] != 0 || got[1] != 3 || got[2] != 1 || got[3] != 2 {
		t.Fatalf("2x2 order got=%v", got)
	}
	for _, n := range []int{1, 3, 5, 8} {
		order := BayerOrder(n)
		if len(order) != n*n {
			t.Fatalf("n=%d: length %d", n, len(order))
		}
		seen := make(map[int]bool, n*n)
		for _, i := range order {
			if i < 0 || i >= n*n || seen[i] {
				t.Fatalf("n=%d: not a permutation %v", n, order)
			}
			seen[i] = true
		}
	}
	// The first four cells of an 8x8 order fall in distinct quadrants.
	order := BayerOrder(8)
	quadrants := map[int]bool{}
	for _, i := range order[:4] {
		x, y := i%8, i/8
		quadrants[(y/4)*2+x/4] = true
	}
	if len(quadrants) != 4 {
		t.Fatalf("first cells clustered: %v", order[:4])
	}
}

func TestAllocateSumsToCells(t *testing.T) {
	testlog.Start(t)

	cases := [][]float64{
		{1},
		{0.5, 0.5},
		{0.125, 0.125, 0.125, 0.125, 0.125, 0.125, 0.125, 0.125},
		{0.3, 0.3, 0.3, 0.1},
		{0.0078, 0.0078, 0.0078, 0.9766},
	}
	for _, w := range cases {
		counts := allocate(w, 64)
		total := 0
		for _, c := range counts {
			if c < 0 {
				t.Fatalf("weights %v: negative count %v", w, counts)
			}
			total += c
		}
		if total != 64 {
			t.Fatalf("weights %v: counts %v sum to %d", w, counts, total)
		}
	}
}

func TestSolveWeightsReachesInteriorTarget(t *testing.T) {
	testlog.Start(t)

	target := RGB{100.25, 150.5, 200.75}
	cs := corners(target)
	w := solveWeights(cs, target, DefaultConfig().PenaltyWeight)
	var mix [3]float64
	sum := 0.0
	for k, c := range cs {
		if w[k] < 0 || w[k] > 1 {
			t.Fatalf("weight %d out of range: %v", k, w[k])
		}
		sum += w[k]
		r := c.Realized.Float()
		for ch := range 3 {
			mix[ch] += w[k] * r[ch]
		}
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("weights sum to %v", sum)
	}
	if e := maxErr(mix, target); e > 0.6 {
		t.Fatalf("weighted mix %v too far from target %v (%v)", mix, target, e)
	}
}

func TestCornersAreDistinct(t *testing.T) {
	testlog.Start(t)

	cs := corners(RGB{200.5, 30.5, 90.5})
	if len(cs) == 0 || len(cs) > 8 {
		t.Fatalf("unexpected corner count %d", len(cs))
	}
	seen := map[quant.RGB8]bool{}
	for _, c := range cs {
		if seen[c.Realized] {
			t.Fatalf("duplicate realized value %v", c.Realized)
		}
		seen[c.Realized] = true
		if quant.RoundTrip(c.Cell) != c.Realized {
			t.Fatalf("corner %v realized mismatch", c)
		}
	}
}
