package cast

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/castctl/internal/observability"
	"github.com/danmuck/castctl/internal/protocol/envelope"
)

// AnyID waits for the first reply on a namespace regardless of request id.
const AnyID int64 = -1

// maxStored bounds unmatched replies kept for future waiters.
const maxStored = 256

type waiter struct {
	namespace string
	id        int64
	ch        chan envelope.Envelope
}

// pendingReplies is the rendezvous between callers and the receive loop.
// Replies nobody waits for yet are stored by (namespace, id); a stored reply
// older than the id a waiter asks for on the same namespace is dropped on the
// next scan and never handed to that waiter.
type pendingReplies struct {
	mu      sync.Mutex
	stop    <-chan struct{}
	entries []envelope.Envelope
	waiters []*waiter
	last    map[string]envelope.Envelope

	// broken is closed when the current receive loop ends; err says why.
	broken chan struct{}
	err    error
}

func newPendingReplies(stop <-chan struct{}) *pendingReplies {
	return &pendingReplies{
		stop:   stop,
		last:   make(map[string]envelope.Envelope),
		broken: make(chan struct{}),
	}
}

// deliver routes one received envelope and returns its disposition.
func (p *pendingReplies) deliver(env envelope.Envelope) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if env.RequestID == 0 {
		p.last[env.Namespace] = env
	}
	if w := p.match(env); w != nil {
		w.ch <- env
		return observability.Delivered
	}
	for _, w := range p.waiters {
		if w.namespace == env.Namespace && w.id != AnyID && env.RequestID != 0 && env.RequestID < w.id {
			return observability.Stale
		}
	}
	if env.RequestID == 0 {
		return observability.Discarded
	}
	if len(p.entries) >= maxStored {
		p.entries = p.entries[1:]
	}
	p.entries = append(p.entries, env)
	return observability.Stored
}

// match removes and returns the waiter env satisfies. An exact id waiter
// wins over an AnyID waiter.
func (p *pendingReplies) match(env envelope.Envelope) *waiter {
	pick := -1
	for i, w := range p.waiters {
		if w.namespace != env.Namespace {
			continue
		}
		if env.RequestID != 0 && w.id == env.RequestID {
			pick = i
			break
		}
		if w.id == AnyID && pick < 0 {
			pick = i
		}
	}
	if pick < 0 {
		return nil
	}
	w := p.waiters[pick]
	p.waiters = append(p.waiters[:pick], p.waiters[pick+1:]...)
	return w
}

// take scans stored entries for (namespace, id), dropping older entries on
// that namespace. AnyID takes the lowest stored id. Caller holds mu.
func (p *pendingReplies) take(namespace string, id int64) (envelope.Envelope, bool) {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.Namespace == namespace && id != AnyID && e.RequestID < id {
			observability.RecordReceived(e.Namespace, e.Type, observability.Stale)
			continue
		}
		kept = append(kept, e)
	}
	clear(p.entries[len(kept):])
	p.entries = kept

	pick := -1
	for i, e := range p.entries {
		if e.Namespace != namespace {
			continue
		}
		if id == AnyID {
			if pick < 0 || e.RequestID < p.entries[pick].RequestID {
				pick = i
			}
			continue
		}
		if e.RequestID == id {
			pick = i
			break
		}
	}
	if pick < 0 {
		return envelope.Envelope{}, false
	}
	env := p.entries[pick]
	p.entries = append(p.entries[:pick], p.entries[pick+1:]...)
	return env, true
}

func (p *pendingReplies) remove(w *waiter) {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// await blocks until a reply for (namespace, id) arrives, timeout elapses,
// the session stops, or the receive loop ends.
func (p *pendingReplies) await(ctx context.Context, namespace string, id int64, timeout time.Duration) (envelope.Envelope, error) {
	p.mu.Lock()
	select {
	case <-p.stop:
		p.mu.Unlock()
		return envelope.Envelope{}, ErrStopped
	default:
	}
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return envelope.Envelope{}, err
	}
	if env, ok := p.take(namespace, id); ok {
		p.mu.Unlock()
		return env, nil
	}
	w := &waiter{namespace: namespace, id: id, ch: make(chan envelope.Envelope, 1)}
	p.waiters = append(p.waiters, w)
	broken := p.broken
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case env := <-w.ch:
		return env, nil
	case <-p.stop:
		err = ErrStopped
	case <-broken:
		p.mu.Lock()
		err = p.err
		p.mu.Unlock()
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = ErrTimeout
	}

	p.mu.Lock()
	p.remove(w)
	p.mu.Unlock()
	// A reply may have landed between the wake and the removal.
	select {
	case env := <-w.ch:
		return env, nil
	default:
	}
	return envelope.Envelope{}, err
}

// fail wakes every waiter with err until reset.
func (p *pendingReplies) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	p.err = err
	close(p.broken)
}

// reset readies the collection for a new receive loop. After stop closes the
// failure is permanent.
func (p *pendingReplies) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stop:
		return
	default:
	}
	if p.err != nil {
		p.err = nil
		p.broken = make(chan struct{})
	}
	clear(p.entries)
	p.entries = p.entries[:0]
}

// lastStatus returns the latest anonymous notification seen on namespace.
func (p *pendingReplies) lastStatus(namespace string) (envelope.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.last[namespace]
	return env, ok
}

func (p *pendingReplies) stored() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
