package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/castctl/internal/cast"
	"github.com/danmuck/castctl/internal/dither"
	"github.com/danmuck/castctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "castctl.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCLIConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
addr = " 192.168.1.40 "
port = 8010
app_ids = ["ABCD1234", " CC1AD845 "]
user_agent = "castctl-test"
tls_ca_file = "/etc/castctl/ca.crt"
tls_insecure_skip_verify = false
metrics_addr = "127.0.0.1:9109"
max_start_attempts = 3
launch_timeout = "2s"
receive_poll = "250ms"
backoff_initial = "100ms"
chunk_size = 4096
await_media_status = false
dither_grid_size = 4
frame_width = 1280
frame_height = 720
`)

	cfg, err := loadCLIConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	c := cfg.Cast
	if c.Transport.Address != "192.168.1.40" || c.Transport.Port != 8010 {
		t.Fatalf("unexpected transport target: %q:%d", c.Transport.Address, c.Transport.Port)
	}
	if len(c.AppIDs) != 2 || c.AppIDs[0] != "ABCD1234" || c.AppIDs[1] != "CC1AD845" {
		t.Fatalf("unexpected app ids: %v", c.AppIDs)
	}
	if c.Transport.TLS.InsecureSkipVerify || c.Transport.TLS.CAFile != "/etc/castctl/ca.crt" {
		t.Fatalf("unexpected tls config: %+v", c.Transport.TLS)
	}
	if cfg.MetricsAddr != "127.0.0.1:9109" {
		t.Fatalf("unexpected metrics addr: %q", cfg.MetricsAddr)
	}
	if c.MaxStartAttempts != 3 || c.LaunchTimeout != 2*time.Second || c.ReceivePoll != 250*time.Millisecond {
		t.Fatalf("unexpected reliability settings: %+v", c)
	}
	if c.Backoff.InitialDelay != 100*time.Millisecond {
		t.Fatalf("unexpected backoff initial: %v", c.Backoff.InitialDelay)
	}
	if c.ChunkSize != 4096 || c.AwaitMediaStatus {
		t.Fatalf("unexpected chunking: size=%d await=%v", c.ChunkSize, c.AwaitMediaStatus)
	}
	if c.Dither.GridSize != 4 || c.Render.Width != 1280 || c.Render.Height != 720 {
		t.Fatalf("unexpected render settings: grid=%d frame=%dx%d", c.Dither.GridSize, c.Render.Width, c.Render.Height)
	}

	def := cast.DefaultConfig()
	if c.MaxLoadAttempts != def.MaxLoadAttempts || c.LoadTimeout != def.LoadTimeout {
		t.Fatalf("unset keys should keep defaults: load attempts=%d timeout=%v", c.MaxLoadAttempts, c.LoadTimeout)
	}
}

func TestLoadCLIConfigEmptyPathUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadCLIConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := cast.DefaultConfig()
	if cfg.Cast.MaxStartAttempts != def.MaxStartAttempts || cfg.Cast.Transport.Port != def.Transport.Port {
		t.Fatalf("unexpected defaults: %+v", cfg.Cast)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("metrics should be off by default")
	}
}

func TestLoadCLIConfigDitherTuning(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
dither_tolerance = 0.0
dither_noise_start = 0.5
dither_noise_end = 0.0
dither_noise_shape = 1.5
dither_reset_threshold = 0.25
dither_penalty_weight = 500.0
`)
	cfg, err := loadCLIConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	d := cfg.Cast.WithDefaults().Dither
	if d.Tolerance != 0 || d.NoiseEnd != 0 {
		t.Fatalf("explicit zeros lost: tolerance=%v noise_end=%v", d.Tolerance, d.NoiseEnd)
	}
	if d.NoiseStart != 0.5 || d.NoiseShape != 1.5 || d.ResetThreshold != 0.25 || d.PenaltyWeight != 500 {
		t.Fatalf("unexpected dither tuning: %+v", d)
	}
	def := dither.DefaultConfig()
	if d.GridSize != def.GridSize || d.MaxIterations != def.MaxIterations {
		t.Fatalf("unset dither keys should keep defaults: %+v", d)
	}
}

func TestLoadCLIConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration":    `load_timeout = "soon"`,
		"budget":      `max_load_attempts = 0`,
		"apps":        `app_ids = [" "]`,
		"unknown key": `adress = "10.0.0.2"`,
		"dither":      `dither_noise_start = -0.5`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadCLIConfig(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error for %s", name)
			} else if !strings.Contains(err.Error(), "load castctl config") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
