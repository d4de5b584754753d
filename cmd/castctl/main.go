package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/castctl/internal/cast"
	"github.com/danmuck/castctl/internal/dither"
	"github.com/danmuck/castctl/internal/logging"
	"github.com/danmuck/castctl/internal/observability"
	"github.com/danmuck/castctl/internal/quant"
	"github.com/danmuck/castctl/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath  string
	addr        string
	port        int
	apps        []string
	metricsAddr string

	cfg cliConfig
}

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd(&rootOptions{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "castctl: %v\n", userError(err))
		os.Exit(1)
	}
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "castctl",
		Short: "Show exact colors on a cast receiver",
		Long: `castctl connects to a cast receiver over TLS, launches the media
receiver and shows a dithered color patch, an image or a media URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to castctl TOML config")
	flags.StringVar(&opts.addr, "addr", "", "receiver host or IP")
	flags.IntVar(&opts.port, "port", transport.DefaultPort, "receiver control port")
	flags.StringArrayVar(&opts.apps, "app", nil, "receiver app id to launch, in order (repeatable)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		colorCmd(opts),
		imageCmd(opts),
		urlCmd(opts),
		ditherCmd(opts),
		probeCmd(opts),
	)
	return root
}

// resolve loads the config file and overlays the flags the user set.
func (o *rootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := loadCLIConfig(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Cast.Transport.Address = strings.TrimSpace(o.addr)
	}
	if flags.Changed("port") {
		cfg.Cast.Transport.Port = o.port
	}
	if flags.Changed("app") {
		cfg.Cast.AppIDs = trimAll(o.apps)
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = strings.TrimSpace(o.metricsAddr)
	}
	o.cfg = cfg
	return nil
}

// withSession opens a session, runs fn and always shuts the session down.
// SIGINT and SIGTERM cancel ctx and close every live session.
func (o *rootOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *cast.Session) error) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	registry := cast.DefaultRegistry()
	unhook := registry.HandleSignals(context.WithoutCancel(ctx), func(os.Signal) { cancel() })
	defer unhook()

	stopMetrics := o.serveMetrics()
	defer stopMetrics()

	cfg := o.cfg.Cast
	cfg.Registry = registry
	s, err := cast.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
		defer done()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn().Msgf("castctl shutdown err=%v", err)
		}
	}()
	return fn(ctx, s)
}

// serveMetrics exposes /metrics when --metrics-addr is set.
func (o *rootOptions) serveMetrics() func() {
	addr := o.cfg.MetricsAddr
	if addr == "" {
		return func() {}
	}
	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Msgf("castctl metrics addr=%s err=%v", addr, err)
		}
	}()
	log.Info().Msgf("castctl metrics listening addr=%s", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// userError maps session failures onto the messages castctl prints.
func userError(err error) error {
	switch {
	case errors.Is(err, transport.ErrConnect), errors.Is(err, transport.ErrTLSHandshake):
		return fmt.Errorf("device unreachable: %w", err)
	case errors.Is(err, transport.ErrAddressRequired):
		return fmt.Errorf("no receiver address: set --addr or addr in --config")
	default:
		return err
	}
}

func parseRGB(args []string) (dither.RGB, error) {
	var out dither.RGB
	if len(args) != 3 {
		return out, fmt.Errorf("expected R G B, got %d values", len(args))
	}
	for i, a := range args {
		v, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return out, fmt.Errorf("channel %d: %w", i, err)
		}
		if v < 0 || v > 255 {
			return out, fmt.Errorf("channel %d: %v outside [0,255]", i, v)
		}
		out[i] = v
	}
	return out, nil
}

// parseRGB8 reads "R,G,B" with integer channels.
func parseRGB8(s string) (quant.RGB8, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return quant.RGB8{}, fmt.Errorf("expected R,G,B got %q", s)
	}
	var out quant.RGB8
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return quant.RGB8{}, fmt.Errorf("channel %d of %q: %w", i, s, err)
		}
		out[i] = uint8(v)
	}
	return out, nil
}

// parsePoint reads "x,y" fractions.
func parsePoint(s string) (float64, float64, error) {
	x, y, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("expected x,y got %q", s)
	}
	fx, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
	if err != nil {
		return 0, 0, err
	}
	fy, err := strconv.ParseFloat(strings.TrimSpace(y), 64)
	if err != nil {
		return 0, 0, err
	}
	return fx, fy, nil
}

// hold waits for d, or for ctx when d is zero.
func hold(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
