package cast

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/castctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Registry tracks live sessions so abrupt termination can close them.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

var defaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

// DefaultRegistry is the process-wide registry sessions join unless their
// Config names another.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	n := len(r.sessions)
	r.mu.Unlock()
	if r == defaultRegistry {
		observability.SetLiveSessions(n)
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	n := len(r.sessions)
	r.mu.Unlock()
	if r == defaultRegistry {
		observability.SetLiveSessions(n)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll shuts down every registered session concurrently.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// HandleSignals closes all sessions on SIGINT or SIGTERM, then calls then
// (if non-nil). The returned func uninstalls the hook.
func (r *Registry) HandleSignals(ctx context.Context, then func(os.Signal)) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			log.Warn().Msgf("cast.Registry signal=%s closing sessions=%d", sig, r.Len())
			if err := r.CloseAll(ctx); err != nil {
				log.Warn().Msgf("cast.Registry close err=%v", err)
			}
			if then != nil {
				then(sig)
			}
		case <-done:
		case <-ctx.Done():
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
