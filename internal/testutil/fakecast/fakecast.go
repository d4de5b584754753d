// Package fakecast is a scriptable cast receiver for tests. By default it
// accepts CONNECT, answers PING, launches registered apps, loads media and
// acknowledges direct-channel chunks; any (namespace, type) pair can be
// overridden with Handle.
package fakecast

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/castctl/internal/protocol/envelope"
	"github.com/danmuck/castctl/internal/protocol/frame"
	"github.com/danmuck/castctl/internal/protocol/message"
	"github.com/danmuck/castctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// Handler returns the replies for one request. Returning nil sends nothing.
type Handler func(p *Peer, req envelope.Envelope) []envelope.Envelope

type App struct {
	SessionID   string
	TransportID string
}

type key struct {
	namespace string
	msgType   string
}

type Peer struct {
	mu       sync.Mutex
	apps     map[string]App
	handlers map[key]Handler
	received []envelope.Envelope
	changed  chan struct{}
	mediaID  int64
	direct   []byte
	images   [][]byte
	current  transport.Transport
}

func New() *Peer {
	return &Peer{
		apps:     map[string]App{message.DefaultMediaReceiver: {SessionID: "session-1", TransportID: "transport-1"}},
		handlers: make(map[key]Handler),
		changed:  make(chan struct{}),
	}
}

// Accept makes LAUNCH of appID succeed with the given identifiers. Apps not
// accepted get LAUNCH_ERROR.
func (p *Peer) Accept(appID, sessionID, transportID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apps[appID] = App{SessionID: sessionID, TransportID: transportID}
}

// Reject removes appID from the accepted set.
func (p *Peer) Reject(appID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.apps, appID)
}

func (p *Peer) Handle(namespace, msgType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[key{namespace, msgType}] = h
}

// Ignore drops requests of msgType on namespace without replying.
func (p *Peer) Ignore(namespace, msgType string) {
	p.Handle(namespace, msgType, func(*Peer, envelope.Envelope) []envelope.Envelope { return nil })
}

// Reply builds a reply to req carrying v.
func Reply(req envelope.Envelope, v any) envelope.Envelope {
	env, err := envelope.NewText(req.DestinationID, req.SourceID, req.Namespace, v)
	if err != nil {
		panic(err)
	}
	return env
}

// Run serves t until ctx ends or t closes.
func (p *Peer) Run(ctx context.Context, t transport.Transport) error {
	p.mu.Lock()
	p.current = t
	p.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pollCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		raw, err := t.Receive(pollCtx)
		cancel()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return err
		}
		req, err := envelope.Decode(raw)
		if err != nil {
			log.Warn().Msgf("fakecast.Peer decode err=%v", err)
			continue
		}
		for _, reply := range p.serve(req) {
			if err := p.send(ctx, t, reply); err != nil {
				return err
			}
		}
	}
}

// Push sends an unsolicited envelope on the transport being served.
func (p *Peer) Push(ctx context.Context, env envelope.Envelope) error {
	p.mu.Lock()
	t := p.current
	p.mu.Unlock()
	if t == nil {
		return transport.ErrClosed
	}
	return p.send(ctx, t, env)
}

func (p *Peer) send(ctx context.Context, t transport.Transport, env envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return t.Send(ctx, raw)
}

func (p *Peer) serve(req envelope.Envelope) []envelope.Envelope {
	p.mu.Lock()
	p.received = append(p.received, req)
	close(p.changed)
	p.changed = make(chan struct{})
	h := p.handlers[key{req.Namespace, req.Type}]
	p.mu.Unlock()
	if h != nil {
		return h(p, req)
	}
	return p.defaultReply(req)
}

func (p *Peer) defaultReply(req envelope.Envelope) []envelope.Envelope {
	switch req.Namespace {
	case envelope.NamespaceHeartbeat:
		if req.Type == message.TypePing {
			return []envelope.Envelope{Reply(req, message.Control{Type: message.TypePong})}
		}
	case envelope.NamespaceReceiver:
		switch req.Type {
		case message.TypeLaunch:
			var launch message.Launch
			_ = req.Unmarshal(&launch)
			return []envelope.Envelope{p.launchReply(req, launch)}
		case message.TypeStop, message.TypeGetStatus:
			status := message.ReceiverStatus{Type: message.TypeReceiverStatus, RequestID: req.RequestID}
			return []envelope.Envelope{Reply(req, status)}
		}
	case envelope.NamespaceMedia:
		if req.Type == message.TypeLoad {
			return []envelope.Envelope{Reply(req, p.mediaStatus(req.RequestID))}
		}
	case envelope.NamespaceDirect:
		if req.Type == message.TypeLoad || req.Type == message.TypeLoadChunk {
			return p.chunkReply(req)
		}
	}
	return nil
}

func (p *Peer) launchReply(req envelope.Envelope, launch message.Launch) envelope.Envelope {
	p.mu.Lock()
	app, ok := p.apps[launch.AppID]
	p.mu.Unlock()
	if !ok {
		return Reply(req, message.Failure{Type: message.TypeLaunchError, RequestID: req.RequestID, Reason: "NOT_FOUND"})
	}
	status := message.ReceiverStatus{Type: message.TypeReceiverStatus, RequestID: req.RequestID}
	status.Status.Applications = []message.Application{{
		AppID:       launch.AppID,
		SessionID:   app.SessionID,
		TransportID: app.TransportID,
	}}
	return Reply(req, status)
}

func (p *Peer) mediaStatus(requestID int64) message.MediaStatus {
	p.mu.Lock()
	p.mediaID++
	id := p.mediaID
	p.mu.Unlock()
	return message.MediaStatus{
		Type:      message.TypeMediaStatus,
		RequestID: requestID,
		Status:    []message.MediaSession{{MediaSessionID: id, PlayerState: "PLAYING"}},
	}
}

// chunkReply assembles direct-channel chunks, acknowledging each and
// confirming the final one with MEDIA_STATUS.
func (p *Peer) chunkReply(req envelope.Envelope) []envelope.Envelope {
	var chunk message.Chunk
	if err := req.Unmarshal(&chunk); err != nil {
		return []envelope.Envelope{Reply(req, message.ChunkReply{Type: message.TypeNack, RequestID: req.RequestID, Reason: "malformed"})}
	}
	p.mu.Lock()
	if chunk.Type == message.TypeLoad {
		p.direct = p.direct[:0]
	}
	if chunk.Offset != len(p.direct) {
		p.mu.Unlock()
		return []envelope.Envelope{Reply(req, message.ChunkReply{Type: message.TypeNack, RequestID: req.RequestID, Reason: "offset"})}
	}
	p.direct = append(p.direct, chunk.Data...)
	received := len(p.direct)
	var image []byte
	if chunk.Final {
		image, _ = base64.StdEncoding.DecodeString(string(p.direct))
		p.images = append(p.images, image)
	}
	p.mu.Unlock()

	out := []envelope.Envelope{Reply(req, message.ChunkReply{Type: message.TypeAck, RequestID: req.RequestID, Received: received})}
	if chunk.Final {
		out = append(out, Reply(req, p.mediaStatus(req.RequestID)))
	}
	return out
}

// Received returns requests seen on namespace with msgType. An empty msgType
// matches every type.
func (p *Peer) Received(namespace, msgType string) []envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []envelope.Envelope
	for _, env := range p.received {
		if env.Namespace == namespace && (msgType == "" || env.Type == msgType) {
			out = append(out, env)
		}
	}
	return out
}

// WaitFor blocks until n matching requests have been seen or timeout.
func (p *Peer) WaitFor(namespace, msgType string, n int, timeout time.Duration) []envelope.Envelope {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		changed := p.changed
		p.mu.Unlock()
		if got := p.Received(namespace, msgType); len(got) >= n {
			return got
		}
		select {
		case <-changed:
		case <-deadline.C:
			return p.Received(namespace, msgType)
		}
	}
}

// Images returns every fully assembled direct-channel payload.
func (p *Peer) Images() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.images...)
}

// ServeListener accepts connections on ln and serves each with p, one at a
// time, until ctx ends.
func (p *Peer) ServeListener(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := NewConn(conn)
		_ = p.Run(ctx, c)
		_ = c.Close()
	}
}

// Conn is the receiver side of one framed connection.
type Conn struct {
	conn   net.Conn
	reader *frame.Reader
	sendMu sync.Mutex
	recvMu sync.Mutex
}

var _ transport.Transport = (*Conn)(nil)

func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, reader: frame.NewReader(frame.DefaultLimits())}
}

func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(d)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := frame.WriteFrame(c.conn, payload, frame.DefaultLimits()); err != nil {
		return classify(err, transport.ErrSendFailed)
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(d)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	payload, err := c.reader.Next(c.conn)
	if err != nil {
		return nil, classify(err, transport.ErrRecvFailed)
	}
	return payload, nil
}

func (c *Conn) Reconnect(context.Context) error {
	return errors.New("fakecast: receiver side cannot reconnect")
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func classify(err, fallback error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return transport.ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return transport.ErrClosed
	}
	return errors.Join(fallback, err)
}
