package flow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"kegleveld/internal/api"
	"kegleveld/internal/events"
	"kegleveld/internal/health"
	"kegleveld/internal/pulse"
)

type fakeSettings struct {
	mu           sync.Mutex
	assignments  []string
	kegs         map[string]api.Keg
	factors      []float64
	displayed    int
	lastPours    []float64
	lastAverages []float64
	deduct       bool

	saveAllCalls int
	saveAllErr   error
	updateErr    error
	displayedErr error
}

func newFakeSettings(taps int) *fakeSettings {
	fs := &fakeSettings{
		assignments:  make([]string, taps),
		kegs:         make(map[string]api.Keg),
		factors:      make([]float64, taps),
		displayed:    taps,
		lastPours:    make([]float64, taps),
		lastAverages: make([]float64, taps),
		deduct:       true,
	}
	for i := range fs.factors {
		fs.factors[i] = 5100
	}
	return fs
}

func (f *fakeSettings) addKeg(tap int, k api.Keg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kegs[k.ID] = k
	f.assignments[tap] = k.ID
}

func (f *fakeSettings) keg(id string) api.Keg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kegs[id]
}

func (f *fakeSettings) SensorKegAssignments(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.assignments...), nil
}

func (f *fakeSettings) KegByID(ctx context.Context, id string) (api.Keg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.kegs[id]
	if !ok {
		return api.Keg{}, fmt.Errorf("keg %q: %w", id, api.ErrKegNotFound)
	}
	return k, nil
}

func (f *fakeSettings) FlowCalibrationFactors(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.factors...), nil
}

func (f *fakeSettings) SaveFlowCalibrationFactors(ctx context.Context, factors []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factors = append([]float64(nil), factors...)
	return nil
}

func (f *fakeSettings) UpdateKegDispensedVolume(ctx context.Context, kegID string, liters float64, pulsesDelta uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	k, ok := f.kegs[kegID]
	if !ok {
		return api.ErrKegNotFound
	}
	k.DispensedLiters = liters
	k.TotalDispensedPulses += pulsesDelta
	f.kegs[kegID] = k
	return nil
}

func (f *fakeSettings) SaveAllKegDispensedVolumes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveAllCalls++
	return f.saveAllErr
}

func (f *fakeSettings) DisplayedTaps(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.displayed, f.displayedErr
}

func (f *fakeSettings) LastPourVolumes(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.lastPours...), nil
}

func (f *fakeSettings) SaveLastPourVolumes(ctx context.Context, volumes []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPours = append([]float64(nil), volumes...)
	return nil
}

func (f *fakeSettings) LastPourAverages(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.lastAverages...), nil
}

func (f *fakeSettings) SaveLastPourAverages(ctx context.Context, averages []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAverages = append([]float64(nil), averages...)
	return nil
}

func (f *fakeSettings) CalibrationDeductInventory(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deduct, nil
}

func (f *fakeSettings) SaveCalibrationDeductInventory(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deduct = enabled
	return nil
}

func (f *fakeSettings) AssignKeg(ctx context.Context, tap int, kegID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kegID != "" {
		if _, ok := f.kegs[kegID]; !ok {
			return api.ErrKegNotFound
		}
	}
	f.assignments[tap] = kegID
	return nil
}

func (f *fakeSettings) ResetKegToEmpty(ctx context.Context, kegID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.kegs[kegID]
	if !ok {
		return api.ErrKegNotFound
	}
	k.StartingVolumeLiters = 0
	k.DispensedLiters = 0
	k.TotalDispensedPulses = 0
	k.BeverageID = ""
	k.FillDate = ""
	f.kegs[kegID] = k
	return nil
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) sensorUpdates(tap int) []api.SensorUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []api.SensorUpdate
	for _, evt := range r.events {
		if u, ok := evt.Payload.(api.SensorUpdate); ok && u.Tap == tap {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) topic(topic events.Topic) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type testRig struct {
	engine   *Engine
	bank     *pulse.Bank
	settings *fakeSettings
	events   *recorder
	clock    *fakeClock
	health   *health.Tracker
}

func newTestRig(t *testing.T, fs *fakeSettings) *testRig {
	t.Helper()
	bank, err := pulse.NewBank([]int{5, 6, 12, 13, 16})
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	if fs == nil {
		fs = newFakeSettings(bank.Len())
	}
	rig := &testRig{
		bank:     bank,
		settings: fs,
		events:   &recorder{},
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)},
		health:   health.NewTracker(),
	}
	engine, err := NewEngine(context.Background(), fs, bank, rig.events, Options{
		Health: rig.health,
		Now:    rig.clock.Now,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rig.engine = engine
	return rig
}

// step injects pulses per tap and runs one tick half a second later.
func (r *testRig) step(pulses map[int]uint64) {
	for tap, n := range pulses {
		r.bank.Add(tap, n)
	}
	r.engine.tick(context.Background(), r.clock.advance(DefaultInterval))
}

func (r *testRig) activeCount() int {
	n := 0
	for _, tap := range r.engine.Taps() {
		if tap.Active {
			n++
		}
	}
	return n
}
