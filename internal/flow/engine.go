package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
	"kegleveld/internal/events"
	"kegleveld/internal/health"
	"kegleveld/internal/metrics"
	"kegleveld/internal/pulse"
)

const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultActivityPulses = 10
	DefaultStopPulses     = 3
	DefaultAutoLockPulses = 10
	DefaultStopTimeout    = time.Second
)

// Settings is the persistence collaborator the engine reads and writes.
type Settings interface {
	SensorKegAssignments(ctx context.Context) ([]string, error)
	KegByID(ctx context.Context, id string) (api.Keg, error)
	FlowCalibrationFactors(ctx context.Context) ([]float64, error)
	SaveFlowCalibrationFactors(ctx context.Context, factors []float64) error
	UpdateKegDispensedVolume(ctx context.Context, kegID string, liters float64, pulsesDelta uint64) error
	SaveAllKegDispensedVolumes(ctx context.Context) error
	DisplayedTaps(ctx context.Context) (int, error)
	LastPourVolumes(ctx context.Context) ([]float64, error)
	SaveLastPourVolumes(ctx context.Context, volumes []float64) error
	LastPourAverages(ctx context.Context) ([]float64, error)
	SaveLastPourAverages(ctx context.Context, averages []float64) error
	CalibrationDeductInventory(ctx context.Context) (bool, error)
	SaveCalibrationDeductInventory(ctx context.Context, enabled bool) error
	AssignKeg(ctx context.Context, tap int, kegID string) error
	ResetKegToEmpty(ctx context.Context, kegID string) error
}

// Publisher receives engine updates. *events.Bus satisfies it; Publish must not block.
type Publisher interface {
	Publish(evt events.Event)
}

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	Interval       time.Duration
	ActivityPulses uint64
	StopPulses     uint64
	AutoLockPulses uint64
	DefaultKFactor float64
	StopTimeout    time.Duration

	Metrics *metrics.Metrics
	Health  *health.Tracker

	// Now is the clock used for flow rates; tests substitute a fake.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ActivityPulses == 0 {
		o.ActivityPulses = DefaultActivityPulses
	}
	if o.StopPulses == 0 {
		o.StopPulses = DefaultStopPulses
	}
	if o.AutoLockPulses == 0 {
		o.AutoLockPulses = DefaultAutoLockPulses
	}
	if !calibration.ValidKFactor(o.DefaultKFactor) {
		o.DefaultKFactor = calibration.DefaultKFactor
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine is the flow-metering and calibration engine. One goroutine runs the
// monitor tick; every other method takes the same mutex, so a request applies
// no later than the start of the next tick.
type Engine struct {
	settings Settings
	bank     *pulse.Bank
	pub      Publisher
	opts     Options
	metrics  *metrics.Metrics
	health   *health.Tracker
	persist  *persister

	mu         sync.Mutex
	taps       []tapState
	baseline   []uint64
	lastSample []time.Time
	factors    []float64
	displayed  int
	winner     int
	mode       Mode
	paused     bool

	// settingsWarned is set while settings reads fail, to log the failure once.
	settingsWarned bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine builds an engine over bank and loads tap state from settings.
// Baselines start at the bank's current counts so pulses recorded before the
// engine existed are never attributed to a pour.
func NewEngine(ctx context.Context, settings Settings, bank *pulse.Bank, pub Publisher, opts Options) (*Engine, error) {
	if settings == nil || bank == nil {
		return nil, errors.New("flow: settings and pulse bank are required")
	}
	if pub == nil {
		pub = discardPublisher{}
	}
	opts = opts.withDefaults()
	n := bank.Len()
	e := &Engine{
		settings:   settings,
		bank:       bank,
		pub:        pub,
		opts:       opts,
		metrics:    opts.Metrics,
		health:     opts.Health,
		taps:       make([]tapState, n),
		baseline:   make([]uint64, n),
		lastSample: make([]time.Time, n),
		factors:    make([]float64, n),
		displayed:  n,
		winner:     -1,
		mode:       NormalMode{},
	}
	e.persist = newPersister(settings, opts.Metrics, opts.Health)

	now := opts.Now()
	for i := 0; i < n; i++ {
		e.baseline[i] = bank.Load(i)
		e.lastSample[i] = now
		e.factors[i] = opts.DefaultKFactor
	}
	if factors, err := settings.FlowCalibrationFactors(ctx); err == nil {
		copy(e.factors, factors)
	} else {
		log.Printf("WARN: flow: load calibration factors: %v", err)
	}
	if pours, err := settings.LastPourVolumes(ctx); err == nil {
		for i := 0; i < n && i < len(pours); i++ {
			e.taps[i].lastPour = pours[i]
		}
	} else {
		log.Printf("WARN: flow: load last pour volumes: %v", err)
	}
	if avgs, err := settings.LastPourAverages(ctx); err == nil {
		for i := 0; i < n && i < len(avgs); i++ {
			e.taps[i].lastAverage = avgs[i]
		}
	} else {
		log.Printf("WARN: flow: load last pour averages: %v", err)
	}
	if err := e.loadVolumesLocked(ctx); err != nil {
		return nil, fmt.Errorf("flow: load tap assignments: %w", err)
	}
	e.metrics.SetMode(modeGauge(e.mode))
	return e, nil
}

type discardPublisher struct{}

func (discardPublisher) Publish(events.Event) {}

// loadVolumesLocked rebuilds each tap's keg, dispensed and remaining volume
// from the settings collaborator. An unknown keg leaves the tap at zero.
func (e *Engine) loadVolumesLocked(ctx context.Context) error {
	assignments, err := e.settings.SensorKegAssignments(ctx)
	if err != nil {
		return err
	}
	for i := range e.taps {
		t := &e.taps[i]
		t.kegID = ""
		t.dispensed = 0
		t.remaining = 0
		if i >= len(assignments) || assignments[i] == "" {
			continue
		}
		t.kegID = assignments[i]
		keg, err := e.settings.KegByID(ctx, t.kegID)
		if err != nil {
			if !errors.Is(err, api.ErrKegNotFound) {
				log.Printf("WARN: flow: tap %d keg %s: %v", i, t.kegID, err)
			}
			continue
		}
		t.dispensed = keg.DispensedLiters
		t.remaining = keg.RemainingLiters()
		e.metrics.SetRemaining(i, t.remaining)
	}
	return nil
}

func (e *Engine) checkTap(tap int) error {
	if tap < 0 || tap >= len(e.taps) {
		return fmt.Errorf("%w: %d", ErrInvalidTap, tap)
	}
	return nil
}

// TapCount is the number of hardware channels.
func (e *Engine) TapCount() int { return len(e.taps) }

// Taps returns a snapshot of every tap.
func (e *Engine) Taps() []api.TapSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]api.TapSnapshot, len(e.taps))
	for i := range e.taps {
		out[i] = e.taps[i].snapshot(i, e.bank.Channel(i), e.factors[i], i < e.displayed, e.bank.Load(i))
	}
	return out
}

// Tap returns a snapshot of one tap.
func (e *Engine) Tap(tap int) (api.TapSnapshot, error) {
	if err := e.checkTap(tap); err != nil {
		return api.TapSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taps[tap].snapshot(tap, e.bank.Channel(tap), e.factors[tap], tap < e.displayed, e.bank.Load(tap)), nil
}

// Mode returns the current mode by value.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// AutoCalibrationState returns the auto-calibration session and whether auto mode is on.
func (e *Engine) AutoCalibrationState() (AutoCalibrationMode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.mode.(AutoCalibrationMode)
	return m, ok
}

// Winner is the tap currently holding arbitration, or -1.
func (e *Engine) Winner() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.winner
}

// KFactor returns the cached K-factor of a tap, as last read by the monitor.
func (e *Engine) KFactor(tap int) float64 {
	if tap < 0 || tap >= len(e.taps) {
		return e.opts.DefaultKFactor
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.factors[tap]
}

// Factors returns a copy of every tap's cached K-factor.
func (e *Engine) Factors() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.factors...)
}

// Paused reports whether attribution is suspended.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// setModeLocked switches mode and announces the transition.
func (e *Engine) setModeLocked(m Mode) {
	prev := e.mode
	e.mode = m
	e.metrics.SetMode(modeGauge(m))
	if prev.Name() != m.Name() || modeTap(prev) != modeTap(m) {
		e.pub.Publish(events.Event{Topic: events.TopicModeChanged, Payload: events.ModeChanged{Mode: m.Name(), Tap: modeTap(m)}})
	}
}

// rebaselineLocked moves every tap's baseline to its current raw count.
func (e *Engine) rebaselineLocked() {
	now := e.opts.Now()
	for i := range e.baseline {
		e.baseline[i] = e.bank.Load(i)
		e.lastSample[i] = now
	}
}
