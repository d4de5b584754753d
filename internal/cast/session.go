// Package cast drives one cast receiver session: connect, launch the receiver
// application, load media, and shut down. A single background goroutine per
// connection reads and routes replies; callers correlate on (namespace,
// requestId) through AwaitReply.
package cast

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/castctl/internal/observability"
	"github.com/danmuck/castctl/internal/protocol/envelope"
	"github.com/danmuck/castctl/internal/protocol/message"
	"github.com/danmuck/castctl/internal/transport"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DialFunc opens the transport to the receiver.
type DialFunc func(ctx context.Context, cfg transport.Config) (transport.Transport, error)

// Dial is the TLS DialFunc.
func Dial(ctx context.Context, cfg transport.Config) (transport.Transport, error) {
	return transport.Dial(ctx, cfg)
}

// Stats counts attempts over the session lifetime.
type Stats struct {
	StartAttempts int64
	LoadAttempts  int64
	Restarts      int64
	Pongs         int64
}

type Session struct {
	cfg  Config
	dial DialFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	// loadMu serializes load so restarts never interleave.
	loadMu sync.Mutex

	state   atomic.Int32
	nextID  atomic.Int64
	pending *pendingReplies

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu             sync.Mutex
	t              transport.Transport
	appID          string
	sessionID      string
	transportID    string
	mediaSessionID int64
	recvCancel     context.CancelFunc
	recvDone       chan struct{}

	startAttempts atomic.Int64
	loadAttempts  atomic.Int64
	restarts      atomic.Int64
	pongs         atomic.Int64
}

// Open connects to the receiver and launches the first accepted application.
// It returns once the session is AppReady.
func Open(ctx context.Context, cfg Config, dial DialFunc) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Transport.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = Dial
	}
	s := &Session{
		cfg:    cfg,
		dial:   dial,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh: make(chan struct{}),
	}
	s.pending = newPendingReplies(s.stopCh)
	cfg.Registry.add(s)

	ctx, span := observability.StartSpan(ctx, "cast.Open",
		attribute.String("cast.address", cfg.Transport.Address),
		attribute.Int("cast.port", cfg.Transport.Port),
	)
	err := s.start(ctx, false)
	observability.EndSpan(span, err)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return nil, err
	}
	return s, nil
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		log.Debug().Msgf("cast.Session state %s -> %s", prev, next)
	}
}

func (s *Session) AppID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appID
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) TransportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportID
}

func (s *Session) MediaSessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaSessionID
}

func (s *Session) SourceID() string {
	return s.cfg.SourceID
}

func (s *Session) Stats() Stats {
	return Stats{
		StartAttempts: s.startAttempts.Load(),
		LoadAttempts:  s.loadAttempts.Load(),
		Restarts:      s.restarts.Load(),
		Pongs:         s.pongs.Load(),
	}
}

// LastStatus returns the latest unsolicited notification on namespace.
func (s *Session) LastStatus(namespace string) (envelope.Envelope, bool) {
	return s.pending.lastStatus(namespace)
}

// AwaitReply blocks until the reply to id on namespace arrives. Stored
// replies older than id on the same namespace are discarded. It returns
// ErrTimeout after timeout and ErrStopped once shutdown begins.
func (s *Session) AwaitReply(ctx context.Context, namespace string, id int64, timeout time.Duration) (envelope.Envelope, error) {
	return s.pending.await(ctx, namespace, id, timeout)
}

// NextRequestID reserves a request id. Ids increase and are never reused.
func (s *Session) NextRequestID() int64 {
	return s.nextID.Add(1)
}

func (s *Session) transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

// Send encodes v as a text payload and writes it to dst on namespace.
func (s *Session) Send(ctx context.Context, dst, namespace string, v any) error {
	t := s.transport()
	if t == nil {
		return ErrNotReady
	}
	env, err := envelope.NewText(s.cfg.SourceID, dst, namespace, v)
	if err != nil {
		return err
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return t.Send(ctx, raw)
}

// request sends the payload built for a fresh id and waits for its reply.
func (s *Session) request(ctx context.Context, dst, namespace string, timeout time.Duration, build func(id int64) any) (envelope.Envelope, error) {
	id := s.NextRequestID()
	if err := s.Send(ctx, dst, namespace, build(id)); err != nil {
		return envelope.Envelope{}, err
	}
	return s.AwaitReply(ctx, namespace, id, timeout)
}

// startReceiver begins a receive loop for the current connection. It reports
// false once Shutdown has begun.
func (s *Session) startReceiver() bool {
	s.pending.reset()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		cancel()
		return false
	}
	s.recvCancel = cancel
	s.recvDone = done
	t := s.t
	s.mu.Unlock()

	go s.receiveLoop(ctx, t, done)
	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeat(ctx)
	}
	return true
}

// stopReceiver ends the current receive loop and waits for it, up to
// timeout. It reports whether the loop exited.
func (s *Session) stopReceiver(timeout time.Duration) bool {
	s.mu.Lock()
	cancel, done := s.recvCancel, s.recvDone
	s.recvCancel, s.recvDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// receiverAlive reports whether a receive loop is running and healthy.
func (s *Session) receiverAlive() bool {
	s.mu.Lock()
	done := s.recvDone
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (s *Session) receiveLoop(ctx context.Context, t transport.Transport, done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		if s.stopping.Load() || ctx.Err() != nil {
			return
		}
		pollCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceivePoll)
		raw, err := t.Receive(pollCtx)
		cancel()
		if s.stopping.Load() || ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			failures++
			log.Warn().Msgf("cast.Session.receiveLoop failures=%d err=%v", failures, err)
			if errors.Is(err, transport.ErrClosed) || failures >= s.cfg.MaxReceiveFailures {
				s.pending.fail(fmt.Errorf("%w: %w", ErrReceiverDied, err))
				return
			}
			continue
		}
		failures = 0

		env, err := envelope.Decode(raw)
		if err != nil {
			log.Warn().Msgf("cast.Session.receiveLoop decode err=%v", err)
			observability.RecordReceived("unknown", "", observability.Discarded)
			continue
		}
		if !s.dispatch(ctx, t, env) {
			return
		}
	}
}

// dispatch handles one envelope and reports whether the loop continues.
func (s *Session) dispatch(ctx context.Context, t transport.Transport, env envelope.Envelope) bool {
	switch env.Type {
	case message.TypeClose:
		log.Warn().Msgf("cast.Session peer closed src=%q ns=%q", env.SourceID, env.Namespace)
		observability.RecordReceived(env.Namespace, env.Type, observability.Control)
		s.pending.fail(ErrPeerClosed)
		return false
	case message.TypePing:
		observability.RecordReceived(env.Namespace, env.Type, observability.Control)
		pong, err := envelope.NewText(s.cfg.SourceID, env.SourceID, envelope.NamespaceHeartbeat, message.Control{Type: message.TypePong})
		if err == nil {
			var raw []byte
			if raw, err = envelope.Encode(pong); err == nil {
				err = t.Send(ctx, raw)
			}
		}
		if err != nil {
			log.Warn().Msgf("cast.Session pong err=%v", err)
		}
		return true
	case message.TypePong:
		s.pongs.Add(1)
		observability.RecordReceived(env.Namespace, env.Type, observability.Control)
		return true
	}
	disposition := s.pending.deliver(env)
	observability.RecordReceived(env.Namespace, env.Type, disposition)
	if disposition != observability.Delivered {
		log.Debug().Msgf("cast.Session %s type=%q id=%d ns=%q", disposition, env.Type, env.RequestID, env.Namespace)
	}
	return true
}

func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Send(ctx, s.cfg.DestinationID, envelope.NamespaceHeartbeat, message.Control{Type: message.TypePing}); err != nil {
				log.Debug().Msgf("cast.Session heartbeat err=%v", err)
			}
		}
	}
}

// Shutdown closes the session: it wakes blocked waiters with ErrStopped,
// sends best-effort CLOSE and STOP, waits for the receive loop and releases
// the transport. It is safe to call more than once.
func (s *Session) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.shutdown(ctx)
	})
	return err
}

func (s *Session) shutdown(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "cast.Shutdown")
	s.setState(ShuttingDown)
	s.stopping.Store(true)
	close(s.stopCh)

	s.mu.Lock()
	transportID, sessionID := s.transportID, s.sessionID
	s.mu.Unlock()

	if s.transport() != nil {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		if transportID != "" {
			s.bestEffort(sendCtx, transportID, envelope.NamespaceConnection, message.Control{Type: message.TypeClose})
		}
		if sessionID != "" {
			s.bestEffort(sendCtx, s.cfg.DestinationID, envelope.NamespaceReceiver, message.Stop{
				Type:      message.TypeStop,
				RequestID: s.NextRequestID(),
				SessionID: sessionID,
			})
		}
		s.bestEffort(sendCtx, s.cfg.DestinationID, envelope.NamespaceConnection, message.Control{Type: message.TypeClose})
		cancel()
	}

	var err error
	if !s.stopReceiver(s.cfg.ShutdownTimeout) {
		err = fmt.Errorf("%w: receive loop did not exit", ErrTimeout)
		log.Warn().Msgf("cast.Session.Shutdown receive loop still running after %s", s.cfg.ShutdownTimeout)
	}
	if t := s.transport(); t != nil {
		if cerr := t.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	s.pending.fail(ErrStopped)
	s.cfg.Registry.remove(s)
	s.setState(Disconnected)
	observability.EndSpan(span, err)
	log.Info().Msgf("cast.Session.Shutdown done source=%q session=%q", s.cfg.SourceID, sessionID)
	return err
}

func (s *Session) bestEffort(ctx context.Context, dst, namespace string, v any) {
	if err := s.Send(ctx, dst, namespace, v); err != nil {
		log.Debug().Msgf("cast.Session.Shutdown send ns=%q err=%v", namespace, err)
	}
}
