package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"kegleveld/internal/health"
)

// Component represents a unit of work managed by the supervisor.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor coordinates the lifecycle of registered components.
type Supervisor struct {
	mu          sync.Mutex
	components  []Component
	started     []Component
	running     bool
	tracker     *health.Tracker
	stopTimeout time.Duration
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithHealth records each component's lifecycle under its name in tracker.
func WithHealth(tracker *health.Tracker) Option {
	return func(s *Supervisor) { s.tracker = tracker }
}

// WithStopTimeout bounds each component's Stop call.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// New creates an empty supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a component to the supervisor. Registration is only allowed
// before Start is called.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		panic("supervisor: cannot register component after start")
	}
	s.components = append(s.components, c)
}

// Start iterates components in registration order and invokes Start on each.
// If any component fails, previously started components are stopped in reverse
// order and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	comps := append([]Component(nil), s.components...)
	s.mu.Unlock()

	started := make([]Component, 0, len(comps))
	for _, c := range comps {
		if err := c.Start(ctx); err != nil {
			log.Printf("ERROR: supervisor: start %s: %v", c.Name(), err)
			s.tracker.Setf(c.Name(), health.LevelError, "start failed: %v", err)
			for i := len(started) - 1; i >= 0; i-- {
				_ = s.stopOne(ctx, started[i])
			}
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		log.Printf("INFO: supervisor: started %s", c.Name())
		started = append(started, c)
	}
	s.mu.Lock()
	s.started = started
	s.mu.Unlock()
	return nil
}

// Stop stops started components in reverse registration order. It is safe to
// call even if Start was never invoked. Every component is given the chance to
// stop; their errors are joined.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	comps := s.started
	s.started = nil
	s.running = false
	s.mu.Unlock()

	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := s.stopOne(ctx, comps[i]); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", comps[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stopOne(ctx context.Context, c Component) error {
	stopCtx := ctx
	if s.stopTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, s.stopTimeout)
		defer cancel()
	}
	if err := c.Stop(stopCtx); err != nil {
		log.Printf("WARN: supervisor: stop %s: %v", c.Name(), err)
		s.tracker.Setf(c.Name(), health.LevelWarn, "stop failed: %v", err)
		return err
	}
	log.Printf("INFO: supervisor: stopped %s", c.Name())
	return nil
}
