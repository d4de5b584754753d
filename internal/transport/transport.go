// Package transport owns the TLS-secured, length-prefixed channel to one cast receiver.
//
// Concurrency contract:
// - Send is serialised with other Send calls.
// - Receive is serialised with other Receive calls.
// - Send and Receive may run concurrently; crypto/tls supports one reader and
//   one writer at the same time.
// - Reconnect and Close exclude both.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/castctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrContextInit  = errors.New("transport: tls context init failed")
	ErrConnect      = errors.New("transport: connect failed")
	ErrTLSHandshake = errors.New("transport: tls handshake failed")
	ErrTimeout      = errors.New("transport: timeout")
	ErrSendFailed   = errors.New("transport: send failed")
	ErrRecvFailed   = errors.New("transport: receive failed")
	ErrClosed       = errors.New("transport: closed")
)

// Transport is the framed channel the session manager drives.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Reconnect(ctx context.Context) error
	Close() error
}

// TLSConn is a Transport over crypto/tls.
type TLSConn struct {
	cfg    Config
	tlsCfg *tls.Config

	sendMu sync.Mutex
	recvMu sync.Mutex

	mu     sync.RWMutex
	conn   net.Conn
	closed bool

	reader *frame.Reader
}

var _ Transport = (*TLSConn)(nil)

// Dial opens a TLS connection to cfg.Address:cfg.Port.
func Dial(ctx context.Context, cfg Config) (*TLSConn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextInit, err)
	}
	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextInit, err)
	}
	conn, err := dial(ctx, cfg, tlsCfg)
	if err != nil {
		return nil, err
	}
	return &TLSConn{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		conn:   conn,
		reader: frame.NewReader(cfg.Limits),
	}, nil
}

func (c *TLSConn) RemoteAddr() string {
	return net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.Port))
}

func dial(ctx context.Context, cfg Config, tlsCfg *tls.Config) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrTLSHandshake, addr, err)
	}
	log.Debug().Str("addr", addr).Msg("transport.dial connected")
	return conn, nil
}

func clientTLSConfig(cfg Config) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		serverName = cfg.Address
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}

	if strings.TrimSpace(cfg.TLS.CertFile) != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func (c *TLSConn) current() (net.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.conn == nil {
		return nil, ErrClosed
	}
	return c.conn, nil
}

// Send writes one frame within WriteTimeout (or the ctx deadline if sooner).
func (c *TLSConn) Send(ctx context.Context, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return c.classify(err, ErrSendFailed)
	}
	if err := frame.WriteFrame(conn, payload, c.cfg.Limits); err != nil {
		if errors.Is(err, frame.ErrPayloadTooLarge) || errors.Is(err, frame.ErrEmptyPayload) {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		return c.classify(err, ErrSendFailed)
	}
	return nil
}

// Receive reads one frame within ReadTimeout (or the ctx deadline if sooner).
// A timeout keeps any partial frame for the next call.
func (c *TLSConn) Receive(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(deadline(ctx, c.cfg.ReadTimeout)); err != nil {
		return nil, c.classify(err, ErrRecvFailed)
	}
	payload, err := c.reader.Next(conn)
	if err != nil {
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrRecvFailed, err)
		}
		return nil, c.classify(err, ErrRecvFailed)
	}
	return payload, nil
}

// Reconnect drops the current connection and dials the same target again.
func (c *TLSConn) Reconnect(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// Close first so a Receive blocked on the old connection returns and
	// releases recvMu.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	c.reader.Reset()

	conn, err := dial(ctx, c.cfg, c.tlsCfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	log.Info().Str("addr", c.RemoteAddr()).Msg("transport.Reconnect ok")
	return nil
}

// Close is idempotent.
func (c *TLSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *TLSConn) classify(err error, fallback error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		return fmt.Errorf("%w: %w", fallback, err)
	}
}

func deadline(ctx context.Context, d time.Duration) time.Time {
	out := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(out) {
		out = ctxDeadline
	}
	return out
}
