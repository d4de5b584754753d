// Package render composes the frames sent to the receiver: a tiled dither
// patch over a solid background, or a still image fitted to the frame.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/danmuck/castctl/internal/quant"
	xdraw "golang.org/x/image/draw"
)

var (
	ErrPlacement = errors.New("render: invalid placement")
	ErrEmptyGrid = errors.New("render: empty grid")
)

// Config is the frame the receiver decodes. The receiver scales it by the
// upsampler factor to reach its output resolution.
type Config struct {
	Width  int
	Height int
}

func DefaultConfig() Config {
	return Config{Width: 960, Height: 540}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Width <= 0 {
		c.Width = d.Width
	}
	if c.Height <= 0 {
		c.Height = d.Height
	}
	return c
}

// Placement positions a square patch. CenterX and CenterY are fractions of
// the frame; Size is the patch side as a fraction of the frame height.
type Placement struct {
	CenterX    float64
	CenterY    float64
	Size       float64
	Background quant.RGB8
}

func DefaultPlacement() Placement {
	return Placement{CenterX: 0.5, CenterY: 0.5, Size: 0.1}
}

func (p Placement) Validate() error {
	for _, v := range []float64{p.CenterX, p.CenterY} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: center (%v,%v)", ErrPlacement, p.CenterX, p.CenterY)
		}
	}
	if math.IsNaN(p.Size) || p.Size <= 0 || p.Size > 1 {
		return fmt.Errorf("%w: size %v", ErrPlacement, p.Size)
	}
	return nil
}

// PatchRect returns the patch rectangle in frame pixels. Its corners sit on
// multiples of cell so every tile keeps the phase the dither model assumed.
func PatchRect(p Placement, cfg Config, cell int) image.Rectangle {
	cfg = cfg.WithDefaults()
	if cell < 1 {
		cell = 1
	}
	side := int(math.Round(p.Size*float64(cfg.Height)/float64(cell))) * cell
	side = max(side, cell)
	frameW := cfg.Width / cell * cell
	frameH := cfg.Height / cell * cell
	side = min(side, frameW, frameH)

	align := func(center float64, extent, limit int) int {
		v := int(math.Round((center*float64(limit)-float64(extent)/2)/float64(cell))) * cell
		return max(0, min(v, limit-extent))
	}
	x0 := align(p.CenterX, side, frameW)
	y0 := align(p.CenterY, side, frameH)
	return image.Rect(x0, y0, x0+side, y0+side)
}

func nrgba(c quant.RGB8) color.NRGBA {
	return color.NRGBA{R: c[0], G: c[1], B: c[2], A: 0xff}
}

// Tile returns g as an image.
func Tile(g quant.Grid) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, g.W, g.H))
	for y := range g.H {
		for x := range g.W {
			img.SetNRGBA(x, y, nrgba(g.At(x, y)))
		}
	}
	return img
}

// Patch draws g repeated over the placement rectangle on a background frame.
func Patch(g quant.Grid, p Placement, cfg Config) (*image.NRGBA, error) {
	if g.W == 0 || g.H == 0 || len(g.Pix) != g.W*g.H {
		return nil, ErrEmptyGrid
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	frame := image.NewNRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	xdraw.Draw(frame, frame.Bounds(), &image.Uniform{C: nrgba(p.Background)}, image.Point{}, xdraw.Src)

	tile := Tile(g)
	r := PatchRect(p, cfg, max(g.W, g.H))
	for y := r.Min.Y; y < r.Max.Y; y += g.H {
		for x := r.Min.X; x < r.Max.X; x += g.W {
			dst := image.Rect(x, y, x+g.W, y+g.H).Intersect(r)
			xdraw.Draw(frame, dst, tile, image.Point{}, xdraw.Src)
		}
	}
	return frame, nil
}

// Fit scales src into the frame preserving aspect ratio, letterboxed on bg.
func Fit(src image.Image, bg quant.RGB8, cfg Config) *image.NRGBA {
	cfg = cfg.WithDefaults()
	frame := image.NewNRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	xdraw.Draw(frame, frame.Bounds(), &image.Uniform{C: nrgba(bg)}, image.Point{}, xdraw.Src)

	b := src.Bounds()
	if b.Empty() {
		return frame
	}
	scale := math.Min(float64(cfg.Width)/float64(b.Dx()), float64(cfg.Height)/float64(b.Dy()))
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))
	x0 := (cfg.Width - w) / 2
	y0 := (cfg.Height - h) / 2
	xdraw.CatmullRom.Scale(frame, image.Rect(x0, y0, x0+w, y0+h), src, b, xdraw.Over, nil)
	return frame
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("render: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG reads a PNG still for ShowImage.
func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("render: decode png: %w", err)
	}
	return img, nil
}
