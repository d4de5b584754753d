package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/castctl/internal/cast"
	"github.com/danmuck/castctl/internal/dither"
	"github.com/danmuck/castctl/internal/quant"
	"github.com/danmuck/castctl/internal/render"
	"github.com/spf13/cobra"
)

func colorCmd(opts *rootOptions) *cobra.Command {
	var (
		center  string
		size    float64
		bg      string
		holdFor time.Duration
		noHold  bool
	)
	cmd := &cobra.Command{
		Use:   "color R G B",
		Short: "Show a dithered patch of an exact color",
		Long: `Show a patch whose displayed average matches R G B, which may be
fractional. The patch stays up until Ctrl-C or --hold elapses.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseRGB(args)
			if err != nil {
				return err
			}
			placement, err := placementFlags(center, size, bg)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *cast.Session) error {
				res, err := s.ShowColor(ctx, target, placement)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "target   %.3f %.3f %.3f\n", target[0], target[1], target[2])
				fmt.Fprintf(out, "achieved %.3f %.3f %.3f\n", res.Mean[0], res.Mean[1], res.Mean[2])
				fmt.Fprintf(out, "error    %.4f (single color %.4f, %d iterations, %d bytes)\n",
					res.Error, res.Baseline, res.Iterations, res.Bytes)
				if !noHold {
					hold(ctx, holdFor)
				}
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&center, "center", "0.5,0.5", "patch center as x,y fractions of the frame")
	flags.Float64Var(&size, "size", render.DefaultPlacement().Size, "patch side as a fraction of frame height")
	flags.StringVar(&bg, "bg", "0,0,0", "background color R,G,B")
	flags.DurationVar(&holdFor, "hold", 0, "keep the patch up for this long (0 waits for Ctrl-C)")
	flags.BoolVar(&noHold, "no-hold", false, "return as soon as the patch is shown")
	return cmd
}

func placementFlags(center string, size float64, bg string) (render.Placement, error) {
	p := render.DefaultPlacement()
	x, y, err := parsePoint(center)
	if err != nil {
		return p, fmt.Errorf("--center: %w", err)
	}
	background, err := parseRGB8(bg)
	if err != nil {
		return p, fmt.Errorf("--bg: %w", err)
	}
	p.CenterX, p.CenterY, p.Size, p.Background = x, y, size, background
	return p, p.Validate()
}

func imageCmd(opts *rootOptions) *cobra.Command {
	var (
		bg      string
		holdFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "image FILE.png",
		Short: "Show a PNG, letterboxed to the receiver frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			background, err := parseRGB8(bg)
			if err != nil {
				return fmt.Errorf("--bg: %w", err)
			}
			data, err := readImage(args[0])
			if err != nil {
				return err
			}
			data, err = fitToFrame(data, background, opts.cfg.Cast.Render)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *cast.Session) error {
				if err := s.ShowImage(ctx, data); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "showing %s (%d bytes)\n", args[0], len(data))
				hold(ctx, holdFor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bg, "bg", "0,0,0", "letterbox color R,G,B")
	cmd.Flags().DurationVar(&holdFor, "hold", 0, "keep the image up for this long (0 waits for Ctrl-C)")
	return cmd
}

func readImage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// fitToFrame re-encodes data at the frame size unless it already matches.
func fitToFrame(data []byte, bg quant.RGB8, cfg render.Config) ([]byte, error) {
	img, err := render.DecodePNG(data)
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if b := img.Bounds(); b.Dx() == cfg.Width && b.Dy() == cfg.Height {
		return data, nil
	}
	return render.EncodePNG(render.Fit(img, bg, cfg))
}

func urlCmd(opts *rootOptions) *cobra.Command {
	var (
		contentType string
		holdFor     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "url URL",
		Short: "Ask the media receiver to load a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *cast.Session) error {
				if err := s.LoadURL(ctx, args[0], contentType); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %s media_session=%d\n", args[0], s.MediaSessionID())
				hold(ctx, holdFor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "image/png", "MIME type of the media")
	cmd.Flags().DurationVar(&holdFor, "hold", 0, "stay connected for this long (0 waits for Ctrl-C)")
	return cmd
}

func ditherCmd(opts *rootOptions) *cobra.Command {
	var showGrid bool
	cmd := &cobra.Command{
		Use:   "dither R G B",
		Short: "Optimize a pattern offline and print it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseRGB(args)
			if err != nil {
				return err
			}
			res, err := dither.Optimize(target, opts.cfg.Cast.Dither)
			if err != nil {
				return err
			}
			printDither(cmd.OutOrStdout(), target, res, showGrid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showGrid, "grid", true, "print the cell grid")
	return cmd
}

func printDither(out io.Writer, target dither.RGB, res dither.Result, showGrid bool) {
	fmt.Fprintf(out, "target     %.3f %.3f %.3f\n", target[0], target[1], target[2])
	fmt.Fprintf(out, "achieved   %.3f %.3f %.3f\n", res.Mean[0], res.Mean[1], res.Mean[2])
	fmt.Fprintf(out, "error      %.4f\n", res.Error)
	fmt.Fprintf(out, "baseline   %.4f\n", dither.Baseline(target))
	fmt.Fprintf(out, "iterations %d resets %d\n", res.Iterations, res.Resets)
	for _, c := range res.Corners {
		fmt.Fprintf(out, "corner     cell=%v realized=%v weight=%.4f count=%d\n", c.Cell, c.Realized, c.Weight, c.Count)
	}
	if !showGrid {
		return
	}
	for y := range res.Grid.H {
		for x := range res.Grid.W {
			c := res.Grid.At(x, y)
			if x > 0 {
				fmt.Fprint(out, " ")
			}
			fmt.Fprintf(out, "%02x%02x%02x", c[0], c[1], c[2])
		}
		fmt.Fprintln(out)
	}
}

func probeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Connect, launch and shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withSession(cmd, func(_ context.Context, s *cast.Session) error {
				st := s.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "app=%s session=%s transport=%s attempts=%d\n",
					s.AppID(), s.SessionID(), s.TransportID(), st.StartAttempts)
				return nil
			})
		},
	}
}
