package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/castctl/internal/protocol/frame"
)

// PipeConn is one end of an in-memory Transport pair. Frames are delivered
// whole and in order. Closing either end closes both.
type PipeConn struct {
	in          chan []byte
	out         chan []byte
	done        chan struct{}
	closeOnce   *sync.Once
	readTimeout time.Duration
	limits      frame.Limits
	reconnects  atomic.Int64

	mu          sync.Mutex
	onReconnect func()
}

var _ Transport = (*PipeConn)(nil)

// Pipe returns two connected ends. readTimeout bounds Receive when the ctx
// has no earlier deadline.
func Pipe(readTimeout time.Duration) (*PipeConn, *PipeConn) {
	if readTimeout <= 0 {
		readTimeout = DefaultConfig().ReadTimeout
	}
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	limits := frame.DefaultLimits()
	a := &PipeConn{in: ba, out: ab, done: done, closeOnce: once, readTimeout: readTimeout, limits: limits}
	b := &PipeConn{in: ab, out: ba, done: done, closeOnce: once, readTimeout: readTimeout, limits: limits}
	return a, b
}

// OnReconnect registers fn to run on every successful Reconnect.
func (p *PipeConn) OnReconnect(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReconnect = fn
}

// Reconnects reports how many times Reconnect succeeded on this end.
func (p *PipeConn) Reconnects() int64 {
	return p.reconnects.Load()
}

func (p *PipeConn) Send(ctx context.Context, payload []byte) error {
	if _, err := frame.Encode(payload, p.limits); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	msg := append([]byte(nil), payload...)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	timer := time.NewTimer(p.readTimeout)
	defer timer.Stop()
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-timer.C:
		return ErrTimeout
	}
}

func (p *PipeConn) Receive(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(time.Until(deadline(ctx, p.readTimeout)))
	defer timer.Stop()
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Reconnect drops undelivered inbound frames, as a fresh connection would.
func (p *PipeConn) Reconnect(context.Context) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	for {
		select {
		case <-p.in:
			continue
		default:
		}
		break
	}
	p.reconnects.Add(1)
	p.mu.Lock()
	fn := p.onReconnect
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
