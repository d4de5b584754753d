package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/danmuck/castctl/internal/cast"
	"github.com/danmuck/castctl/internal/testutil/fakecast"
	"github.com/danmuck/castctl/internal/testutil/testlog"
	"github.com/danmuck/castctl/internal/testutil/tlstest"
	"github.com/danmuck/castctl/internal/transport"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(&rootOptions{})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDitherCommandPrintsPattern(t *testing.T) {
	testlog.Start(t)
	out, err := run(t, "dither", "100.25", "150.5", "200.75")
	if err != nil {
		t.Fatalf("dither: %v", err)
	}
	for _, want := range []string{"target     100.250 150.500 200.750", "error ", "baseline ", "corner "} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	rows := 0
	for _, line := range strings.Split(out, "\n") {
		if fields := strings.Fields(line); len(fields) == 8 && len(fields[0]) == 6 {
			rows++
		}
	}
	if rows != 8 {
		t.Fatalf("expected 8 grid rows got=%d:\n%s", rows, out)
	}
}

func TestDitherCommandRejectsBadChannels(t *testing.T) {
	testlog.Start(t)
	if _, err := run(t, "dither", "1", "2", "300"); err == nil {
		t.Fatalf("expected out of range error")
	}
	if _, err := run(t, "dither", "1", "x", "3"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFlagsOverlayConfigFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
addr = "10.0.0.1"
app_ids = ["AAAA0000"]
`)
	opts := &rootOptions{}
	root := newRootCmd(opts)
	probe, _, err := root.Find([]string{"probe"})
	if err != nil {
		t.Fatalf("find probe: %v", err)
	}
	if err := probe.ParseFlags([]string{"--config", path, "--addr", "10.0.0.9", "--app", "B", "--app", "C"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if err := opts.resolve(probe); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.cfg.Cast.Transport.Address != "10.0.0.9" {
		t.Fatalf("flag should win over file: %q", opts.cfg.Cast.Transport.Address)
	}
	if got := opts.cfg.Cast.AppIDs; len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("unexpected app ids: %v", got)
	}
	if opts.cfg.Cast.Transport.Port != transport.DefaultPort {
		t.Fatalf("unset port flag should keep default: %d", opts.cfg.Cast.Transport.Port)
	}
}

func TestUserErrorMessages(t *testing.T) {
	testlog.Start(t)
	dial := fmt.Errorf("%w: 10.0.0.9:8009: connection refused", transport.ErrConnect)
	budget := fmt.Errorf("%w: cast failed after 6 attempts: %w", cast.ErrRetryBudget, dial)
	if got := userError(dial).Error(); !strings.HasPrefix(got, "device unreachable") {
		t.Fatalf("unexpected message: %q", got)
	}
	if got := userError(budget).Error(); !strings.Contains(got, "cast failed after 6 attempts") {
		t.Fatalf("unexpected message: %q", got)
	}
	plain := errors.New("boom")
	if userError(plain) != plain {
		t.Fatalf("unrelated errors should pass through")
	}
}

func TestProbeOverTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "castctl-cli-ca")
	ln := ca.Listen(t)
	peer := fakecast.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go peer.ServeListener(ctx, ln)

	host, port := tlstest.HostPort(t, ln)
	path := writeConfig(t, fmt.Sprintf(`
tls_ca_file = %q
tls_insecure_skip_verify = false
launch_timeout = "2s"
receive_poll = "20ms"
`, ca.CAFile()))

	out, err := run(t, "--config", path, "--addr", host, "--port", strconv.Itoa(port), "probe")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(out, "session=session-1 transport=transport-1 attempts=1") {
		t.Fatalf("unexpected output: %s", out)
	}
	if cast.DefaultRegistry().Len() != 0 {
		t.Fatalf("probe left a live session")
	}
}

func TestParseHelpers(t *testing.T) {
	testlog.Start(t)
	if c, err := parseRGB8("1, 2,255"); err != nil || c[0] != 1 || c[1] != 2 || c[2] != 255 {
		t.Fatalf("parseRGB8 got=%v err=%v", c, err)
	}
	if _, err := parseRGB8("1,2"); err == nil {
		t.Fatalf("expected error for two channels")
	}
	if x, y, err := parsePoint("0.25,0.75"); err != nil || x != 0.25 || y != 0.75 {
		t.Fatalf("parsePoint got=%v,%v err=%v", x, y, err)
	}
	if _, err := placementFlags("0.5,0.5", 2, "0,0,0"); err == nil {
		t.Fatalf("expected oversize placement error")
	}
}
