package pulse

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"kegleveld/internal/calibration"
)

const (
	// DefaultSimulationRate is how often simulated flow injects pulses.
	DefaultSimulationRate = 20
	// DefaultSimulatedFlowLPM approximates a standard faucet at serving pressure.
	DefaultSimulatedFlowLPM = 3.0
)

// FactorFunc returns the K-factor currently configured for a tap.
type FactorFunc func(tap int) float64

// Simulator drives continuous flow on selected taps by injecting pulses into a
// Bank at a fixed rate, standing in for flow sensors on development machines.
type Simulator struct {
	bank   *Bank
	factor FactorFunc
	period time.Duration

	mu    sync.Mutex
	flows map[int]float64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSimulator creates a simulator stepping rateHz times per second.
func NewSimulator(bank *Bank, rateHz int, factor FactorFunc) *Simulator {
	if rateHz <= 0 {
		rateHz = DefaultSimulationRate
	}
	return &Simulator{
		bank:   bank,
		factor: factor,
		period: time.Second / time.Duration(rateHz),
		flows:  make(map[int]float64),
	}
}

// SetFlow starts simulated flow on tap at lpm liters per minute; zero or less stops it.
func (s *Simulator) SetFlow(tap int, lpm float64) {
	s.bank.mustTap(tap)
	s.mu.Lock()
	defer s.mu.Unlock()
	if lpm <= 0 {
		delete(s.flows, tap)
		return
	}
	s.flows[tap] = lpm
}

// Flows returns the taps currently flowing and their rates.
func (s *Simulator) Flows() map[int]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]float64, len(s.flows))
	for k, v := range s.flows {
		out[k] = v
	}
	return out
}

// StopAll ends simulated flow on every tap.
func (s *Simulator) StopAll() {
	s.mu.Lock()
	s.flows = make(map[int]float64)
	s.mu.Unlock()
}

// Start runs the injection loop until Stop or ctx is done.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	log.Printf("INFO: pulse: flow simulator running at %s steps", s.period)
	return nil
}

// Stop ends the injection loop.
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step()
		}
	}
}

// step injects one period's worth of pulses for each flowing tap.
func (s *Simulator) step() {
	s.mu.Lock()
	taps := make([]int, 0, len(s.flows))
	for tap := range s.flows {
		taps = append(taps, tap)
	}
	sort.Ints(taps)
	rates := make([]float64, len(taps))
	for i, tap := range taps {
		rates[i] = s.flows[tap]
	}
	s.mu.Unlock()

	for i, tap := range taps {
		n, ok := s.pulsesPerStep(tap, rates[i])
		if !ok {
			continue
		}
		s.bank.Add(tap, n)
	}
}

// pulsesPerStep converts a flow rate to pulses for one period. It reports false
// when the tap's K-factor is unusable.
func (s *Simulator) pulsesPerStep(tap int, lpm float64) (uint64, bool) {
	k := s.factor(tap)
	if !calibration.ValidKFactor(k) {
		return 0, false
	}
	liters := lpm / 60.0 * s.period.Seconds()
	n := uint64(liters * k)
	if n < 1 {
		return 1, true
	}
	return n, true
}
