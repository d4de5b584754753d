package cast

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/castctl/internal/observability"
	"github.com/danmuck/castctl/internal/protocol/envelope"
	"github.com/danmuck/castctl/internal/protocol/message"
	"github.com/rs/zerolog/log"
)

// start runs connect and launch until the session is AppReady. Transport and
// timeout failures reconnect and retry within MaxStartAttempts; an explicit
// rejection of every app id does not. reconnect forces the first pass to
// re-establish an existing transport.
func (s *Session) start(ctx context.Context, reconnect bool) error {
	var attempt int
	for {
		attempt++
		s.startAttempts.Add(1)
		err := s.startOnce(ctx, reconnect || attempt > 1)
		if err == nil {
			observability.RecordStartAttempt("ok")
			return nil
		}
		observability.RecordStartAttempt(outcome(err))
		log.Warn().Msgf("cast.Session.start attempt=%d addr=%q err=%v", attempt, s.cfg.Transport.Address, err)

		if errors.Is(err, ErrLaunchFailed) || errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return err
		}
		if !s.shouldRetry(attempt, s.cfg.MaxStartAttempts) {
			return fmt.Errorf("%w: cast failed after %d attempts: %w", ErrRetryBudget, attempt, err)
		}
		if err := s.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

func (s *Session) shouldRetry(attempt, budget int) bool {
	return attempt < budget && !s.stopping.Load()
}

func (s *Session) sleepBackoff(ctx context.Context, attempt int) error {
	s.rngMu.Lock()
	d := NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
	s.rngMu.Unlock()
	return sleep(ctx, s.stopCh, d)
}

// startOnce is one pass Disconnected -> Connecting -> Connected -> AppReady.
func (s *Session) startOnce(ctx context.Context, reconnect bool) error {
	if s.stopping.Load() {
		return ErrStopped
	}
	s.stopReceiver(s.cfg.ShutdownTimeout)
	s.setState(Connecting)

	if t := s.transport(); t == nil {
		t, err := s.dial(ctx, s.cfg.Transport)
		if err != nil {
			s.setState(Disconnected)
			return err
		}
		// A Shutdown that ran during the dial saw no transport to close.
		s.mu.Lock()
		if s.stopping.Load() {
			s.mu.Unlock()
			if cerr := t.Close(); cerr != nil {
				log.Debug().Msgf("cast.Session.start close after stop err=%v", cerr)
			}
			return ErrStopped
		}
		s.t = t
		s.mu.Unlock()
	} else if reconnect {
		if err := t.Reconnect(ctx); err != nil {
			s.setState(Disconnected)
			return err
		}
	}

	// CONNECT is fire-and-forget.
	if err := s.Send(ctx, s.cfg.DestinationID, envelope.NamespaceConnection, message.Control{
		Type:      message.TypeConnect,
		UserAgent: s.cfg.UserAgent,
	}); err != nil {
		return err
	}
	if !s.startReceiver() {
		return ErrStopped
	}
	s.setState(Connected)
	return s.launch(ctx)
}

// launch tries each app id in order.
func (s *Session) launch(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "cast.launch")
	s.setState(AppLaunching)
	var rejected []string
	for _, appID := range s.cfg.AppIDs {
		reply, err := s.request(ctx, s.cfg.DestinationID, envelope.NamespaceReceiver, s.cfg.LaunchTimeout, func(id int64) any {
			return message.Launch{Type: message.TypeLaunch, RequestID: id, AppID: appID}
		})
		if err != nil {
			observability.EndSpan(span, err)
			return err
		}

		switch reply.Type {
		case message.TypeReceiverStatus:
			var status message.ReceiverStatus
			if err := reply.Unmarshal(&status); err != nil {
				observability.EndSpan(span, err)
				return fmt.Errorf("%w: receiver status: %w", envelope.ErrMalformed, err)
			}
			app, ok := status.Find(appID)
			if !ok || app.SessionID == "" {
				err := fmt.Errorf("%w: receiver status without application", ErrUnexpectedType)
				observability.EndSpan(span, err)
				return err
			}
			s.mu.Lock()
			s.appID = app.AppID
			s.sessionID = app.SessionID
			s.transportID = app.TransportID
			s.mu.Unlock()
			s.setState(AppReady)
			log.Info().Msgf("cast.Session launched app=%q session=%q transport=%q", app.AppID, app.SessionID, app.TransportID)

			// Open the virtual connection to the application itself.
			err := s.Send(ctx, app.TransportID, envelope.NamespaceConnection, message.Control{
				Type:      message.TypeConnect,
				UserAgent: s.cfg.UserAgent,
			})
			observability.EndSpan(span, err)
			return err
		case message.TypeLaunchError:
			var fail message.Failure
			_ = reply.Unmarshal(&fail)
			log.Warn().Msgf("cast.Session launch rejected app=%q reason=%q", appID, fail.Reason)
			rejected = append(rejected, appID)
		default:
			err := fmt.Errorf("%w: %q in reply to LAUNCH", ErrUnexpectedType, reply.Type)
			observability.EndSpan(span, err)
			return err
		}
	}
	err := fmt.Errorf("%w: app ids %v", ErrLaunchFailed, rejected)
	observability.EndSpan(span, err)
	return err
}

// restart reconnects and relaunches after the receive loop ended.
func (s *Session) restart(ctx context.Context) error {
	s.restarts.Add(1)
	log.Info().Msgf("cast.Session restarting source=%q", s.cfg.SourceID)
	return s.start(ctx, true)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrLaunchFailed), errors.Is(err, ErrLoadFailed), errors.Is(err, ErrChunkRejected):
		return "rejected"
	case errors.Is(err, ErrPeerClosed), errors.Is(err, ErrReceiverDied):
		return "closed"
	default:
		return "error"
	}
}
