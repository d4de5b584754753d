package cast

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/castctl/internal/dither"
	"github.com/danmuck/castctl/internal/observability"
	"github.com/danmuck/castctl/internal/protocol/envelope"
	"github.com/danmuck/castctl/internal/protocol/frame"
	"github.com/danmuck/castctl/internal/protocol/message"
	"github.com/danmuck/castctl/internal/render"
	"github.com/danmuck/castctl/internal/transport"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ShowResult reports what ShowColor displayed.
type ShowResult struct {
	Target dither.RGB
	// Error is the simulated worst-channel error of the pattern.
	Error      float64
	Baseline   float64
	Mean       [3]float64
	Iterations int
	Bytes      int
}

// ShowColor dithers rgb, renders the pattern at p and loads it.
func (s *Session) ShowColor(ctx context.Context, rgb dither.RGB, p render.Placement) (ShowResult, error) {
	ctx, span := observability.StartSpan(ctx, "cast.ShowColor",
		attribute.Float64Slice("cast.target", rgb[:]),
	)
	res, err := s.showColor(ctx, rgb, p)
	observability.EndSpan(span, err)
	return res, err
}

func (s *Session) showColor(ctx context.Context, rgb dither.RGB, p render.Placement) (ShowResult, error) {
	pattern, err := dither.Optimize(rgb, s.cfg.Dither)
	if err != nil {
		return ShowResult{}, err
	}
	observability.RecordDither(pattern.Error, pattern.Iterations)
	out := ShowResult{
		Target:     rgb,
		Error:      pattern.Error,
		Baseline:   dither.Baseline(rgb),
		Mean:       pattern.Mean,
		Iterations: pattern.Iterations,
	}
	img, err := render.Patch(pattern.Grid, p, s.cfg.Render)
	if err != nil {
		return out, err
	}
	data, err := render.EncodePNG(img)
	if err != nil {
		return out, err
	}
	out.Bytes = len(data)
	log.Debug().Msgf("cast.Session.ShowColor target=%v err=%.4f baseline=%.4f iterations=%d bytes=%d",
		rgb, out.Error, out.Baseline, out.Iterations, out.Bytes)
	return out, s.ShowImage(ctx, data)
}

// ShowImage loads an inline PNG over the direct channel in stop-and-wait
// chunks. It succeeds only after every chunk is acknowledged and, when
// configured, the receiver confirms with MEDIA_STATUS.
func (s *Session) ShowImage(ctx context.Context, png []byte) error {
	ctx, span := observability.StartSpan(ctx, "cast.ShowImage", attribute.Int("cast.bytes", len(png)))
	encoded := base64.StdEncoding.EncodeToString(png)
	err := s.load(ctx, "direct", func(ctx context.Context) error {
		return s.loadChunked(ctx, "image/png", encoded)
	})
	observability.EndSpan(span, err)
	return err
}

// LoadURL asks the media receiver to load url.
func (s *Session) LoadURL(ctx context.Context, url, contentType string) error {
	ctx, span := observability.StartSpan(ctx, "cast.LoadURL", attribute.String("cast.url", url))
	err := s.load(ctx, "url", func(ctx context.Context) error {
		return s.loadURL(ctx, url, contentType)
	})
	observability.EndSpan(span, err)
	return err
}

// load runs once within MaxLoadAttempts. Every attempt counts once in
// Stats().LoadAttempts. A dead receive loop, or a transport error on the
// previous attempt, restarts the session first. Loads run one at a time.
func (s *Session) load(ctx context.Context, kind string, once func(context.Context) error) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	started := time.Now()
	var last error
	broken := false
	for attempt := 1; attempt <= s.cfg.MaxLoadAttempts; attempt++ {
		if s.stopping.Load() {
			return ErrStopped
		}
		if broken || !s.receiverAlive() || s.State() < AppReady {
			broken = false
			if err := s.restart(ctx); err != nil {
				observability.RecordLoad(kind, time.Since(started), false)
				if last != nil {
					return fmt.Errorf("%w: after %w", err, last)
				}
				return err
			}
		}

		s.loadAttempts.Add(1)
		s.setState(MediaLoading)
		err := once(ctx)
		if err == nil {
			s.setState(MediaReady)
			observability.RecordLoadAttempt(kind, "ok")
			observability.RecordLoad(kind, time.Since(started), true)
			return nil
		}
		last = err
		observability.RecordLoadAttempt(kind, outcome(err))
		log.Warn().Msgf("cast.Session.load kind=%s attempt=%d err=%v", kind, attempt, err)
		if s.State() == MediaLoading {
			s.setState(AppReady)
		}
		if !retryableLoad(err) || ctx.Err() != nil {
			observability.RecordLoad(kind, time.Since(started), false)
			return err
		}
		broken = transportBroken(err)
		if attempt < s.cfg.MaxLoadAttempts {
			if err := s.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
	}
	observability.RecordLoad(kind, time.Since(started), false)
	return fmt.Errorf("%w: load failed after %d attempts: %w", ErrRetryBudget, s.cfg.MaxLoadAttempts, last)
}

func retryableLoad(err error) bool {
	switch {
	case errors.Is(err, ErrStopped), errors.Is(err, ErrLoadCancelled):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, frame.ErrPayloadTooLarge), errors.Is(err, frame.ErrEmptyPayload):
		return false
	default:
		return true
	}
}

// transportBroken reports whether err left the connection unusable. A TLS
// write timeout is permanent, so the next attempt needs a fresh connection.
func transportBroken(err error) bool {
	return errors.Is(err, transport.ErrTimeout) ||
		errors.Is(err, transport.ErrSendFailed) ||
		errors.Is(err, transport.ErrClosed)
}

func (s *Session) loadURL(ctx context.Context, url, contentType string) error {
	dst := s.TransportID()
	if dst == "" {
		return ErrNotReady
	}
	sessionID := s.SessionID()
	reply, err := s.request(ctx, dst, envelope.NamespaceMedia, s.cfg.LoadTimeout, func(id int64) any {
		return message.Load{
			Type:      message.TypeLoad,
			RequestID: id,
			SessionID: sessionID,
			Media:     message.Media{ContentID: url, ContentType: contentType, StreamType: "BUFFERED"},
			Autoplay:  true,
		}
	})
	if err != nil {
		return err
	}
	return s.mediaOutcome(reply)
}

// mediaOutcome interprets the terminal reply to a load.
func (s *Session) mediaOutcome(reply envelope.Envelope) error {
	switch reply.Type {
	case message.TypeMediaStatus:
		var status message.MediaStatus
		if err := reply.Unmarshal(&status); err != nil {
			return fmt.Errorf("%w: media status: %w", envelope.ErrMalformed, err)
		}
		if id, ok := status.MediaSessionID(); ok {
			s.mu.Lock()
			s.mediaSessionID = id
			s.mu.Unlock()
		}
		return nil
	case message.TypeInvalidPlayerState, message.TypeLoadFailed:
		var fail message.Failure
		_ = reply.Unmarshal(&fail)
		return fmt.Errorf("%w: %s reason=%q", ErrLoadFailed, reply.Type, fail.Reason)
	case message.TypeLoadCancelled:
		return ErrLoadCancelled
	default:
		return fmt.Errorf("%w: %q in reply to LOAD", ErrUnexpectedType, reply.Type)
	}
}

// loadChunked sends encoded as LOAD followed by LOAD_CHUNKs, one in flight.
func (s *Session) loadChunked(ctx context.Context, contentType, encoded string) error {
	dst := s.TransportID()
	if dst == "" {
		return ErrNotReady
	}
	total := len(encoded)
	size := s.cfg.ChunkSize
	var lastID int64
	for offset := 0; offset < total || offset == 0; {
		end := min(offset+size, total)
		msgType := message.TypeLoadChunk
		if offset == 0 {
			msgType = message.TypeLoad
		}
		final := end == total
		chunk := message.Chunk{
			Type:      msgType,
			TotalSize: total,
			Offset:    offset,
			Data:      encoded[offset:end],
			Final:     final,
		}
		if offset == 0 {
			chunk.ContentType = contentType
		}
		reply, err := s.request(ctx, dst, envelope.NamespaceDirect, s.cfg.ChunkAckTimeout, func(id int64) any {
			lastID = id
			chunk.RequestID = id
			return chunk
		})
		if err != nil {
			return fmt.Errorf("chunk offset=%d: %w", offset, err)
		}
		switch reply.Type {
		case message.TypeAck:
		case message.TypeNack:
			var nack message.ChunkReply
			_ = reply.Unmarshal(&nack)
			return fmt.Errorf("%w: offset=%d reason=%q", ErrChunkRejected, offset, nack.Reason)
		case message.TypeMediaStatus:
			// The receiver may confirm the final chunk directly.
			if final {
				return s.mediaOutcome(reply)
			}
			return fmt.Errorf("%w: media status before final chunk", ErrUnexpectedType)
		default:
			return s.mediaOutcome(reply)
		}
		if final {
			break
		}
		offset = end
	}

	if !s.cfg.AwaitMediaStatus {
		return nil
	}
	reply, err := s.AwaitReply(ctx, envelope.NamespaceDirect, lastID, s.cfg.LoadTimeout)
	if err != nil {
		return fmt.Errorf("media status: %w", err)
	}
	return s.mediaOutcome(reply)
}
