package render

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/danmuck/castctl/internal/quant"
	"github.com/danmuck/castctl/internal/testutil/testlog"
)

func TestPatchRectAlignsToGrid(t *testing.T) {
	testlog.Start(t)

	cases := []Placement{
		DefaultPlacement(),
		{CenterX: 0.1, CenterY: 0.9, Size: 0.25},
		{CenterX: 0, CenterY: 0, Size: 0.05},
		{CenterX: 1, CenterY: 1, Size: 1},
	}
	cfg := DefaultConfig()
	for _, p := range cases {
		r := PatchRect(p, cfg, 8)
		if r.Empty() {
			t.Fatalf("placement %+v: empty rect", p)
		}
		if r.Min.X%8 != 0 || r.Min.Y%8 != 0 || r.Dx()%8 != 0 || r.Dy()%8 != 0 {
			t.Fatalf("placement %+v: rect %v not aligned", p, r)
		}
		if !r.In(image.Rect(0, 0, cfg.Width, cfg.Height)) {
			t.Fatalf("placement %+v: rect %v outside frame", p, r)
		}
	}
}

func TestPatchTilesGrid(t *testing.T) {
	testlog.Start(t)

	g := quant.NewGrid(2, 2)
	g.Set(0, 0, quant.RGB8{10, 20, 30})
	g.Set(1, 0, quant.RGB8{40, 50, 60})
	g.Set(0, 1, quant.RGB8{70, 80, 90})
	g.Set(1, 1, quant.RGB8{100, 110, 120})
	p := Placement{CenterX: 0.5, CenterY: 0.5, Size: 0.2, Background: quant.RGB8{1, 2, 3}}
	img, err := Patch(g, p, DefaultConfig())
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	r := PatchRect(p, DefaultConfig(), 2)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			want := g.At(x%2, y%2)
			got := img.NRGBAAt(x, y)
			if got != (color.NRGBA{R: want[0], G: want[1], B: want[2], A: 0xff}) {
				t.Fatalf("pixel (%d,%d) got=%v want=%v", x, y, got, want)
			}
		}
	}
	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{R: 1, G: 2, B: 3, A: 0xff}) {
		t.Fatalf("background got=%v", got)
	}
}

func TestPatchRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	if _, err := Patch(quant.Grid{}, DefaultPlacement(), DefaultConfig()); !errors.Is(err, ErrEmptyGrid) {
		t.Fatalf("expected ErrEmptyGrid got=%v", err)
	}
	bad := DefaultPlacement()
	bad.Size = 0
	if _, err := Patch(quant.Uniform(8, 8, quant.RGB8{}), bad, DefaultConfig()); !errors.Is(err, ErrPlacement) {
		t.Fatalf("expected ErrPlacement got=%v", err)
	}
}

func TestPNGRoundTrip(t *testing.T) {
	testlog.Start(t)

	img, err := Patch(quant.Uniform(8, 8, quant.RGB8{100, 150, 200}), DefaultPlacement(), DefaultConfig())
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	data, err := EncodePNG(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodePNG(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Bounds() != img.Bounds() {
		t.Fatalf("bounds got=%v want=%v", back.Bounds(), img.Bounds())
	}
	c := color.NRGBAModel.Convert(back.At(480, 270)).(color.NRGBA)
	if c != (color.NRGBA{R: 100, G: 150, B: 200, A: 0xff}) {
		t.Fatalf("center pixel got=%v", c)
	}
}

func TestFitLetterboxes(t *testing.T) {
	testlog.Start(t)

	src := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	out := Fit(src, quant.RGB8{0, 0, 0}, DefaultConfig())
	if out.Bounds() != image.Rect(0, 0, 960, 540) {
		t.Fatalf("bounds got=%v", out.Bounds())
	}
	if got := out.NRGBAAt(10, 270); got.R != 0 {
		t.Fatalf("expected letterbox at left edge got=%v", got)
	}
	if got := out.NRGBAAt(480, 270); got.R < 0xf0 {
		t.Fatalf("expected scaled image at center got=%v", got)
	}
}
