package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/castctl/internal/cast"
)

// castctl config.toml key mapping to session settings.
type fileConfig struct {
	Addr               string   `toml:"addr"`
	Port               int      `toml:"port"`
	AppIDs             []string `toml:"app_ids"`
	SourceID           string   `toml:"source_id"`
	UserAgent          string   `toml:"user_agent"`
	TLSServerName      string   `toml:"tls_server_name"`
	TLSCAFile          string   `toml:"tls_ca_file"`
	InsecureSkipVerify bool     `toml:"tls_insecure_skip_verify"`
	MetricsAddr        string   `toml:"metrics_addr"`

	MaxStartAttempts   int    `toml:"max_start_attempts"`
	MaxLoadAttempts    int    `toml:"max_load_attempts"`
	MaxReceiveFailures int    `toml:"max_receive_failures"`
	ConnectTimeout     string `toml:"connect_timeout"`
	LaunchTimeout      string `toml:"launch_timeout"`
	LoadTimeout        string `toml:"load_timeout"`
	ChunkAckTimeout    string `toml:"chunk_ack_timeout"`
	ReceivePoll        string `toml:"receive_poll"`
	ShutdownTimeout    string `toml:"shutdown_timeout"`
	HeartbeatInterval  string `toml:"heartbeat_interval"`
	ChunkSize          int    `toml:"chunk_size"`
	AwaitMediaStatus   bool   `toml:"await_media_status"`

	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`

	DitherGridSize       int     `toml:"dither_grid_size"`
	DitherMaxIterations  int     `toml:"dither_max_iterations"`
	DitherSeed           uint64  `toml:"dither_seed"`
	DitherTolerance      float64 `toml:"dither_tolerance"`
	DitherNoiseStart     float64 `toml:"dither_noise_start"`
	DitherNoiseEnd       float64 `toml:"dither_noise_end"`
	DitherNoiseShape     float64 `toml:"dither_noise_shape"`
	DitherResetThreshold float64 `toml:"dither_reset_threshold"`
	DitherPenaltyWeight  float64 `toml:"dither_penalty_weight"`
	FrameWidth           int     `toml:"frame_width"`
	FrameHeight          int     `toml:"frame_height"`
}

type cliConfig struct {
	Cast        cast.Config
	MetricsAddr string
}

func defaultCLIConfig() cliConfig {
	return cliConfig{Cast: cast.DefaultConfig()}
}

// castctl loader for TOML config with default overlay. An empty path yields
// defaults.
func loadCLIConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load castctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cliConfig{}, fmt.Errorf("load castctl config: unknown key %q", undecoded[0].String())
	}

	c := &cfg.Cast
	if meta.IsDefined("addr") {
		c.Transport.Address = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("port") {
		c.Transport.Port = raw.Port
	}
	if meta.IsDefined("app_ids") {
		c.AppIDs = trimAll(raw.AppIDs)
	}
	if meta.IsDefined("source_id") {
		c.SourceID = strings.TrimSpace(raw.SourceID)
	}
	if meta.IsDefined("user_agent") {
		c.UserAgent = strings.TrimSpace(raw.UserAgent)
	}
	if meta.IsDefined("tls_server_name") {
		c.Transport.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_ca_file") {
		c.Transport.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		c.Transport.TLS.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("max_start_attempts") {
		c.MaxStartAttempts = raw.MaxStartAttempts
	}
	if meta.IsDefined("max_load_attempts") {
		c.MaxLoadAttempts = raw.MaxLoadAttempts
	}
	if meta.IsDefined("max_receive_failures") {
		c.MaxReceiveFailures = raw.MaxReceiveFailures
	}
	if meta.IsDefined("chunk_size") {
		c.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("await_media_status") {
		c.AwaitMediaStatus = raw.AwaitMediaStatus
	}
	if meta.IsDefined("backoff_multiplier") {
		c.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		c.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("dither_grid_size") {
		c.Dither.GridSize = raw.DitherGridSize
	}
	if meta.IsDefined("dither_max_iterations") {
		c.Dither.MaxIterations = raw.DitherMaxIterations
	}
	if meta.IsDefined("dither_seed") {
		c.Dither.Seed = raw.DitherSeed
	}
	floats := []struct {
		key string
		raw float64
		dst *float64
	}{
		{"dither_tolerance", raw.DitherTolerance, &c.Dither.Tolerance},
		{"dither_noise_start", raw.DitherNoiseStart, &c.Dither.NoiseStart},
		{"dither_noise_end", raw.DitherNoiseEnd, &c.Dither.NoiseEnd},
		{"dither_noise_shape", raw.DitherNoiseShape, &c.Dither.NoiseShape},
		{"dither_reset_threshold", raw.DitherResetThreshold, &c.Dither.ResetThreshold},
		{"dither_penalty_weight", raw.DitherPenaltyWeight, &c.Dither.PenaltyWeight},
	}
	for _, f := range floats {
		if meta.IsDefined(f.key) {
			*f.dst = f.raw
		}
	}
	if meta.IsDefined("frame_width") {
		c.Render.Width = raw.FrameWidth
	}
	if meta.IsDefined("frame_height") {
		c.Render.Height = raw.FrameHeight
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &c.Transport.ConnectTimeout},
		{"launch_timeout", raw.LaunchTimeout, &c.LaunchTimeout},
		{"load_timeout", raw.LoadTimeout, &c.LoadTimeout},
		{"chunk_ack_timeout", raw.ChunkAckTimeout, &c.ChunkAckTimeout},
		{"receive_poll", raw.ReceivePoll, &c.ReceivePoll},
		{"shutdown_timeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &c.HeartbeatInterval},
		{"backoff_initial", raw.BackoffInitial, &c.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &c.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return cliConfig{}, fmt.Errorf("load castctl config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if c.MaxStartAttempts < 1 || c.MaxLoadAttempts < 1 {
		return cliConfig{}, fmt.Errorf(
			"load castctl config: attempt budgets must be positive (start=%d load=%d)",
			c.MaxStartAttempts,
			c.MaxLoadAttempts,
		)
	}
	if len(c.AppIDs) == 0 {
		return cliConfig{}, fmt.Errorf("load castctl config: app_ids must not be empty")
	}
	if err := c.Dither.WithDefaults().Validate(); err != nil {
		return cliConfig{}, fmt.Errorf("load castctl config: %w", err)
	}
	return cfg, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
