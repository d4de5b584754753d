package cast

import (
	"time"

	"github.com/danmuck/castctl/internal/dither"
	"github.com/danmuck/castctl/internal/protocol/envelope"
	"github.com/danmuck/castctl/internal/protocol/message"
	"github.com/danmuck/castctl/internal/render"
	"github.com/danmuck/castctl/internal/transport"
	"github.com/google/uuid"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds session reliability settings. Retry budgets and timeouts were
// tuned against one receiver family and are defaults, not protocol limits.
type Config struct {
	Transport transport.Config

	SourceID      string
	DestinationID string
	UserAgent     string
	// AppIDs are tried in order; LAUNCH_ERROR moves on to the next one.
	AppIDs []string

	MaxStartAttempts   int
	MaxLoadAttempts    int
	MaxReceiveFailures int

	LaunchTimeout   time.Duration
	LoadTimeout     time.Duration
	ChunkAckTimeout time.Duration
	ReceivePoll     time.Duration
	ShutdownTimeout time.Duration
	// HeartbeatInterval enables outbound PING when positive.
	HeartbeatInterval time.Duration

	// ChunkSize is the number of base64 characters per chunk.
	ChunkSize int
	// AwaitMediaStatus makes ShowImage wait for MEDIA_STATUS after the
	// last chunk is acknowledged.
	AwaitMediaStatus bool

	Backoff  BackoffConfig
	Dither   dither.Config
	Render   render.Config
	Registry *Registry
}

func DefaultConfig() Config {
	return Config{
		Transport:          transport.DefaultConfig(),
		DestinationID:      envelope.DefaultReceiver,
		UserAgent:          "castctl",
		AppIDs:             []string{message.DefaultMediaReceiver},
		MaxStartAttempts:   6,
		MaxLoadAttempts:    4,
		MaxReceiveFailures: 3,
		LaunchTimeout:      10 * time.Second,
		LoadTimeout:        10 * time.Second,
		ChunkAckTimeout:    5 * time.Second,
		ReceivePoll:        500 * time.Millisecond,
		ShutdownTimeout:    2 * time.Second,
		ChunkSize:          32 * 1024,
		AwaitMediaStatus:   true,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Dither: dither.DefaultConfig(),
		Render: render.DefaultConfig(),
	}
}

// WithDefaults fills zero fields. A fresh sender id is generated per call
// when none is set.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Transport = c.Transport.WithDefaults()
	if c.SourceID == "" {
		c.SourceID = "sender-" + uuid.NewString()
	}
	if c.DestinationID == "" {
		c.DestinationID = d.DestinationID
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if len(c.AppIDs) == 0 {
		c.AppIDs = d.AppIDs
	}
	if c.MaxStartAttempts <= 0 {
		c.MaxStartAttempts = d.MaxStartAttempts
	}
	if c.MaxLoadAttempts <= 0 {
		c.MaxLoadAttempts = d.MaxLoadAttempts
	}
	if c.MaxReceiveFailures <= 0 {
		c.MaxReceiveFailures = d.MaxReceiveFailures
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = d.LaunchTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.ChunkAckTimeout <= 0 {
		c.ChunkAckTimeout = d.ChunkAckTimeout
	}
	if c.ReceivePoll <= 0 {
		c.ReceivePoll = d.ReceivePoll
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	c.Dither = c.Dither.WithDefaults()
	c.Render = c.Render.WithDefaults()
	if c.Registry == nil {
		c.Registry = DefaultRegistry()
	}
	return c
}
