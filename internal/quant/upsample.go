package quant

import (
	"fmt"
	"math"
)

// Grid is a row-major block of pixels. Patterns tile, so edges wrap.
type Grid struct {
	W, H int
	Pix  []RGB8
}

func NewGrid(w, h int) Grid {
	return Grid{W: w, H: h, Pix: make([]RGB8, w*h)}
}

// Uniform returns a w x h grid filled with c.
func Uniform(w, h int, c RGB8) Grid {
	g := NewGrid(w, h)
	for i := range g.Pix {
		g.Pix[i] = c
	}
	return g
}

func (g Grid) At(x, y int) RGB8 {
	return g.Pix[y*g.W+x]
}

func (g Grid) Set(x, y int, c RGB8) {
	g.Pix[y*g.W+x] = c
}

func (g Grid) Clone() Grid {
	out := Grid{W: g.W, H: g.H, Pix: make([]RGB8, len(g.Pix))}
	copy(out.Pix, g.Pix)
	return out
}

// kernelBits is the fixed-point precision of filter weights (1/128).
const kernelBits = 7

type tap struct {
	base int
	w    [4]int32
}

// Upsampler simulates the receiver scaler: a separable four-tap Catmull-Rom
// filter whose weights depend on output phase, applied horizontally then
// vertically in YCbCr with rounding after each pass.
type Upsampler struct {
	Scale int
	phase []tap
}

// NewUpsampler builds the phase table for an integer scale factor.
func NewUpsampler(scale int) (*Upsampler, error) {
	if scale < 1 || scale > 8 {
		return nil, fmt.Errorf("quant: unsupported scale %d", scale)
	}
	u := &Upsampler{Scale: scale, phase: make([]tap, scale)}
	for p := range scale {
		center := (float64(p)+0.5)/float64(scale) - 0.5
		base := math.Floor(center)
		u.phase[p] = tap{base: int(base) - 1, w: catmullRom(center - base)}
	}
	return u, nil
}

// DefaultUpsampler is the 2x scaler of a 960x540 frame to 1080p.
func DefaultUpsampler() *Upsampler {
	u, _ := NewUpsampler(2)
	return u
}

// catmullRom returns quantized weights for taps at -1, 0, 1, 2 relative to
// the sample left of t. Weights always sum to 1<<kernelBits.
func catmullRom(t float64) [4]int32 {
	t2, t3 := t*t, t*t*t
	f := [4]float64{
		(-t3 + 2*t2 - t) / 2,
		(3*t3 - 5*t2 + 2) / 2,
		(-3*t3 + 4*t2 + t) / 2,
		(t3 - t2) / 2,
	}
	var w [4]int32
	var sum int32
	largest := 0
	for i := range f {
		w[i] = int32(math.Round(f[i] * (1 << kernelBits)))
		sum += w[i]
		if f[i] > f[largest] {
			largest = i
		}
	}
	w[largest] += (1 << kernelBits) - sum
	return w
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Upsample returns the displayed pixels for one tile of g.
func (u *Upsampler) Upsample(g Grid) Grid {
	s := u.Scale
	ow, oh := g.W*s, g.H*s

	in := make([]YCC8, len(g.Pix))
	for i, c := range g.Pix {
		in[i] = ToIntermediate(c)
	}

	horiz := make([]YCC8, g.H*ow)
	for y := range g.H {
		row := in[y*g.W : (y+1)*g.W]
		for ox := range ow {
			tp := u.phase[ox%s]
			k := ox/s + tp.base
			var acc [3]int32
			for j, w := range tp.w {
				src := row[wrap(k+j, g.W)]
				acc[0] += w * int32(src[0])
				acc[1] += w * int32(src[1])
				acc[2] += w * int32(src[2])
			}
			horiz[y*ow+ox] = YCC8{
				clip8(roundShift(acc[0], kernelBits)),
				clip8(roundShift(acc[1], kernelBits)),
				clip8(roundShift(acc[2], kernelBits)),
			}
		}
	}

	out := NewGrid(ow, oh)
	for oy := range oh {
		tp := u.phase[oy%s]
		k := oy/s + tp.base
		for ox := range ow {
			var acc [3]int32
			for j, w := range tp.w {
				src := horiz[wrap(k+j, g.H)*ow+ox]
				acc[0] += w * int32(src[0])
				acc[1] += w * int32(src[1])
				acc[2] += w * int32(src[2])
			}
			out.Pix[oy*ow+ox] = FromIntermediate(YCC8{
				clip8(roundShift(acc[0], kernelBits)),
				clip8(roundShift(acc[1], kernelBits)),
				clip8(roundShift(acc[2], kernelBits)),
			})
		}
	}
	return out
}

// Mean is the spatial average of the displayed tile.
func (u *Upsampler) Mean(g Grid) [3]float64 {
	return MeanOf(u.Upsample(g))
}

func MeanOf(g Grid) [3]float64 {
	var sum [3]float64
	for _, c := range g.Pix {
		sum[0] += float64(c[0])
		sum[1] += float64(c[1])
		sum[2] += float64(c[2])
	}
	n := float64(len(g.Pix))
	if n == 0 {
		return sum
	}
	return [3]float64{sum[0] / n, sum[1] / n, sum[2] / n}
}
