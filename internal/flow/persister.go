package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"kegleveld/internal/health"
	"kegleveld/internal/metrics"
)

// persistRequest is the pour-end snapshot written after a pour finishes.
type persistRequest struct {
	lastPours    []float64
	lastAverages []float64
}

// persister writes pour-end state off the monitor goroutine. Requests
// coalesce: only the newest snapshot is written, since each carries every
// tap's values.
type persister struct {
	settings Settings
	metrics  *metrics.Metrics
	health   *health.Tracker

	mu      sync.Mutex
	pending *persistRequest
	wake    chan struct{}

	flushMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newPersister(settings Settings, m *metrics.Metrics, h *health.Tracker) *persister {
	return &persister{
		settings: settings,
		metrics:  m,
		health:   h,
		wake:     make(chan struct{}, 1),
	}
}

func (p *persister) submit(req persistRequest) {
	p.mu.Lock()
	p.pending = &req
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, p.done)
	p.health.Setf(health.ComponentPersister, health.LevelOK, "idle")
}

// stop ends the worker and writes whatever is still pending.
func (p *persister) stop(ctx context.Context) error {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.runMu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.flush(ctx)
}

func (p *persister) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			_ = p.flush(ctx)
		}
	}
}

// flush writes the pending request, if any. Dispensed volumes are saved even
// when the pour statistics fail, and the store keeps unsaved kegs dirty so the
// next completed pour retries them.
func (p *persister) flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	req := p.pending
	p.pending = nil
	p.mu.Unlock()
	if req == nil {
		return nil
	}

	var (
		errs   []error
		failed []string
	)
	fail := func(op string, err error) {
		p.metrics.ObservePersistFailure(op)
		errs = append(errs, err)
		failed = append(failed, op)
	}
	if err := p.settings.SaveAllKegDispensedVolumes(ctx); err != nil {
		fail("dispensed_volumes", err)
	}
	if err := p.settings.SaveLastPourVolumes(ctx, req.lastPours); err != nil {
		fail("last_pour_volumes", err)
	}
	if err := p.settings.SaveLastPourAverages(ctx, req.lastAverages); err != nil {
		fail("last_pour_averages", err)
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("WARN: flow: persist pour state: %v", err)
		p.health.SetWithDetails(health.ComponentPersister, health.LevelWarn,
			fmt.Sprintf("last save failed: %v", err), map[string]any{"ops": failed})
		return err
	}
	p.health.Setf(health.ComponentPersister, health.LevelOK, "saved")
	return nil
}
