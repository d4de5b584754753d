package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/castctl/internal/protocol/frame"
)

// DefaultPort is the cast receiver control port.
const DefaultPort = 8009

var (
	ErrAddressRequired      = errors.New("transport: address required")
	ErrInvalidPort          = errors.New("transport: invalid port")
	ErrTLSCertFileRequired  = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired   = errors.New("transport: tls key file required")
	ErrTLSCAOrInsecureUnset = errors.New("transport: tls ca file required unless insecure skip verify")
)

// TLSConfig defines how the receiver certificate is trusted. Cast receivers
// present per-device self-signed certificates, so verification is skipped
// unless a CA bundle is configured.
type TLSConfig struct {
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
	CertFile           string
	KeyFile            string
}

// Config defines the connection target and I/O bounds.
type Config struct {
	Address          string
	Port             int
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	TLS              TLSConfig
	Limits           frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Port:             DefaultPort,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		TLS: TLSConfig{
			InsecureSkipVerify: true,
		},
		Limits: frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	c.Limits = c.Limits.WithDefaults()
	return c
}

// Validate checks the target and the TLS trust settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if !c.TLS.InsecureSkipVerify && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAOrInsecureUnset
	}
	hasCert := strings.TrimSpace(c.TLS.CertFile) != ""
	hasKey := strings.TrimSpace(c.TLS.KeyFile) != ""
	if hasCert && !hasKey {
		return ErrTLSKeyFileRequired
	}
	if hasKey && !hasCert {
		return ErrTLSCertFileRequired
	}
	return nil
}
