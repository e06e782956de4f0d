package flow

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"kegleveld/internal/api"
	"kegleveld/internal/events"
	"kegleveld/internal/health"
)

const tolerance = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < tolerance }

func TestPourLifecycle(t *testing.T) {
	fs := newFakeSettings(5)
	fs.addKeg(0, api.Keg{ID: "keg-a", StartingVolumeLiters: 19})
	rig := newTestRig(t, fs)
	ctx := context.Background()

	wantAdded := []float64{12.0 / 5100, 50.0 / 5100, 50.0 / 5100}
	dispensed := 0.0
	for i, pulses := range []uint64{12, 50, 50} {
		rig.step(map[int]uint64{0: pulses})
		dispensed += wantAdded[i]
		tap, _ := rig.engine.Tap(0)
		if !tap.Active || rig.engine.Winner() != 0 {
			t.Fatalf("tick %d: tap 0 should be the active winner", i+1)
		}
		if !near(tap.DispensedLiters, dispensed) {
			t.Fatalf("tick %d: dispensed %v want %v", i+1, tap.DispensedLiters, dispensed)
		}
		if !near(tap.CurrentPourLiters, dispensed) {
			t.Fatalf("tick %d: pour %v want %v", i+1, tap.CurrentPourLiters, dispensed)
		}
	}
	if k := fs.keg("keg-a"); !near(k.DispensedLiters, dispensed) || k.TotalDispensedPulses != 112 {
		t.Fatalf("keg not updated each tick: %+v", k)
	}
	updates := rig.events.sensorUpdates(0)
	if len(updates) != 3 || updates[0].Status != api.TapPouring || !updates[0].Computable {
		t.Fatalf("unexpected pouring updates %+v", updates)
	}
	wantRate := (12.0 / 5100) / (0.5 / 60)
	if !near(updates[0].FlowRateLPM, wantRate) {
		t.Fatalf("flow rate %v want %v", updates[0].FlowRateLPM, wantRate)
	}

	rig.step(map[int]uint64{0: 2})
	tap, _ := rig.engine.Tap(0)
	if tap.Active || rig.engine.Winner() != -1 {
		t.Fatalf("pour should have finished and released arbitration")
	}
	if tap.CurrentPourLiters != 0 {
		t.Fatalf("pour volume should reset, got %v", tap.CurrentPourLiters)
	}
	if !near(tap.LastPourLiters, 112.0/5100) {
		t.Fatalf("last pour %v want %v", tap.LastPourLiters, 112.0/5100)
	}
	if !near(tap.DispensedLiters, dispensed) {
		t.Fatalf("trailing pulses must not be added")
	}
	// Flow ran from the sample before tick 1 to tick 3.
	wantAvg := (112.0 / 5100) / (1.5 / 60)
	if !near(tap.LastPourAverageLPM, wantAvg) {
		t.Fatalf("average %v want %v", tap.LastPourAverageLPM, wantAvg)
	}

	updates = rig.events.sensorUpdates(0)
	last := updates[len(updates)-1]
	if last.Status != api.TapIdle || !near(last.PourLiters, 112.0/5100) || last.FlowRateLPM != 0 {
		t.Fatalf("unexpected idle update %+v", last)
	}
	completed := rig.events.topic(events.TopicPourCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one pour_completed event, got %d", len(completed))
	}
	if pc := completed[0].Payload.(api.PourCompleted); pc.KegID != "keg-a" || !near(pc.Liters, 112.0/5100) {
		t.Fatalf("unexpected completion %+v", pc)
	}

	if err := rig.engine.persist.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if fs.saveAllCalls != 1 {
		t.Fatalf("expected one SaveAllKegDispensedVolumes, got %d", fs.saveAllCalls)
	}
	pours, _ := fs.LastPourVolumes(ctx)
	avgs, _ := fs.LastPourAverages(ctx)
	if !near(pours[0], 112.0/5100) || !near(avgs[0], tap.LastPourAverageLPM) {
		t.Fatalf("pour stats not persisted: %v %v", pours, avgs)
	}
}

func TestPourAverageUsesFlowingDuration(t *testing.T) {
	rig := newTestRig(t, nil)
	for _, pulses := range []uint64{100, 100, 100, 0} {
		rig.step(map[int]uint64{1: pulses})
	}
	tap, _ := rig.engine.Tap(1)
	// 300 pulses over 1.5 s of flow.
	want := (300.0 / 5100) / (1.5 / 60)
	if !near(tap.LastPourAverageLPM, want) {
		t.Fatalf("average %v want %v", tap.LastPourAverageLPM, want)
	}
}

func TestRemainingMayGoNegative(t *testing.T) {
	fs := newFakeSettings(5)
	fs.addKeg(0, api.Keg{ID: "small", StartingVolumeLiters: 2.0})
	rig := newTestRig(t, fs)

	rig.step(map[int]uint64{0: 3 * 5100})
	tap, _ := rig.engine.Tap(0)
	if !near(tap.RemainingLiters, -1.0) {
		t.Fatalf("remaining %v want -1.0", tap.RemainingLiters)
	}
	updates := rig.events.sensorUpdates(0)
	if !near(updates[len(updates)-1].RemainingLiters, -1.0) {
		t.Fatalf("published remaining not negative: %+v", updates[len(updates)-1])
	}
}

func TestArbitrationIsExclusive(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.step(map[int]uint64{0: 20, 1: 20, 2: 40})
	if rig.engine.Winner() != 0 {
		t.Fatalf("lowest index over threshold should win, got %d", rig.engine.Winner())
	}
	if rig.activeCount() != 1 {
		t.Fatalf("only one tap may be active")
	}
	taps := rig.engine.Taps()
	if taps[1].DispensedLiters != 0 || taps[2].DispensedLiters != 0 {
		t.Fatalf("losing taps must not accumulate volume")
	}

	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		pulses := make(map[int]uint64)
		for tap := 0; tap < 5; tap++ {
			pulses[tap] = uint64(rnd.Intn(30))
		}
		rig.step(pulses)
		if n := rig.activeCount(); n > 1 {
			t.Fatalf("tick %d: %d taps active", i, n)
		}
	}
}

func TestBelowActivityThresholdStaysIdle(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.step(map[int]uint64{3: 9})
	if rig.engine.Winner() != -1 {
		t.Fatalf("9 pulses should not start a pour")
	}
	updates := rig.events.sensorUpdates(3)
	if len(updates) != 1 || updates[0].Status != api.TapIdle {
		t.Fatalf("expected one idle update, got %+v", updates)
	}
	// The baseline moved, so the noise is not carried into the next tick.
	rig.step(map[int]uint64{3: 2})
	if rig.engine.Winner() != -1 {
		t.Fatalf("noise accumulated across ticks")
	}
}

func TestDispensedIsMonotonic(t *testing.T) {
	fs := newFakeSettings(5)
	fs.addKeg(2, api.Keg{ID: "k", StartingVolumeLiters: 19})
	rig := newTestRig(t, fs)

	prev := 0.0
	for _, pulses := range []uint64{40, 7, 120, 5, 900, 33, 4} {
		rig.step(map[int]uint64{2: pulses})
		tap, _ := rig.engine.Tap(2)
		if tap.DispensedLiters < prev {
			t.Fatalf("dispensed decreased: %v -> %v", prev, tap.DispensedLiters)
		}
		prev = tap.DispensedLiters
	}
}

func TestForceRecalculationIsIdempotent(t *testing.T) {
	fs := newFakeSettings(5)
	fs.addKeg(0, api.Keg{ID: "a", StartingVolumeLiters: 19, DispensedLiters: 4})
	fs.addKeg(3, api.Keg{ID: "b", StartingVolumeLiters: 10, DispensedLiters: 1})
	rig := newTestRig(t, fs)
	ctx := context.Background()

	rig.step(map[int]uint64{0: 5100})
	if err := rig.engine.ForceRecalculation(ctx); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	first := rig.engine.Taps()
	if err := rig.engine.ForceRecalculation(ctx); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	second := rig.engine.Taps()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("tap %d changed: %+v vs %+v", i, first[i], second[i])
		}
	}
	if !near(first[0].DispensedLiters, 5) || !near(first[0].RemainingLiters, 14) {
		t.Fatalf("recalculation should reload the keg: %+v", first[0])
	}
	if first[3].RemainingLiters != 9 {
		t.Fatalf("unexpected remaining on tap 3: %+v", first[3])
	}
}

func TestUnknownKegLeavesTapAtZero(t *testing.T) {
	fs := newFakeSettings(5)
	fs.assignments[1] = "ghost"
	rig := newTestRig(t, fs)
	tap, _ := rig.engine.Tap(1)
	if tap.KegID != "ghost" || tap.DispensedLiters != 0 || tap.RemainingLiters != 0 {
		t.Fatalf("unexpected tap %+v", tap)
	}
}

func TestInvalidKFactorIsNotComputable(t *testing.T) {
	fs := newFakeSettings(5)
	fs.factors[0] = 0
	fs.addKeg(0, api.Keg{ID: "a", StartingVolumeLiters: 19})
	rig := newTestRig(t, fs)

	rig.step(map[int]uint64{0: 50})
	rig.step(map[int]uint64{0: 50})
	tap, _ := rig.engine.Tap(0)
	if tap.DispensedLiters != 0 || tap.RemainingLiters != 19 {
		t.Fatalf("volume must not change without a usable k-factor: %+v", tap)
	}
	updates := rig.events.sensorUpdates(0)
	if updates[0].Computable || updates[0].Status != api.TapPouring {
		t.Fatalf("expected non-computable pouring update, got %+v", updates[0])
	}
	if k := fs.keg("a"); k.TotalDispensedPulses != 100 {
		t.Fatalf("pulse total should still advance, got %d", k.TotalDispensedPulses)
	}
}

func TestUpdateFailureKeepsVolume(t *testing.T) {
	fs := newFakeSettings(5)
	fs.addKeg(0, api.Keg{ID: "a", StartingVolumeLiters: 19})
	fs.updateErr = errors.New("disk gone")
	rig := newTestRig(t, fs)

	rig.step(map[int]uint64{0: 510})
	tap, _ := rig.engine.Tap(0)
	if !near(tap.DispensedLiters, 0.1) {
		t.Fatalf("in-memory volume lost on update failure: %v", tap.DispensedLiters)
	}
}

func TestPersistFailureRetriesOnNextPour(t *testing.T) {
	fs := newFakeSettings(5)
	fs.addKeg(0, api.Keg{ID: "a", StartingVolumeLiters: 19})
	fs.saveAllErr = errors.New("readonly filesystem")
	rig := newTestRig(t, fs)
	ctx := context.Background()

	rig.step(map[int]uint64{0: 100})
	rig.step(map[int]uint64{0: 0})
	if err := rig.engine.persist.flush(ctx); err == nil {
		t.Fatalf("expected persist failure")
	}
	if st, ok := rig.health.Status(health.ComponentPersister); !ok || st.Level != health.LevelWarn {
		t.Fatalf("persister health should warn, got %+v", st)
	}
	if st, _ := rig.health.Status(health.ComponentPersister); !reflect.DeepEqual(st.Details["ops"], []string{"dispensed_volumes"}) {
		t.Fatalf("persister health should name the failing op, got %+v", st.Details)
	}

	fs.mu.Lock()
	fs.saveAllErr = nil
	fs.mu.Unlock()
	rig.step(map[int]uint64{0: 200})
	rig.step(map[int]uint64{0: 1})
	if err := rig.engine.persist.flush(ctx); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if fs.saveAllCalls != 2 {
		t.Fatalf("expected a retry on the next pour, got %d calls", fs.saveAllCalls)
	}
	if st, _ := rig.health.Status(health.ComponentPersister); st.Level != health.LevelOK {
		t.Fatalf("persister health should recover, got %+v", st)
	}
	if k := fs.keg("a"); !near(k.DispensedLiters, 300.0/5100) {
		t.Fatalf("keg volume %v", k.DispensedLiters)
	}
}

func TestPersistRequestsCoalesce(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	for tap := 0; tap < 3; tap++ {
		rig.step(map[int]uint64{tap: 100})
		rig.step(map[int]uint64{tap: 0})
	}
	if err := rig.engine.persist.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rig.settings.saveAllCalls != 1 {
		t.Fatalf("pending requests should coalesce, got %d saves", rig.settings.saveAllCalls)
	}
	pours, _ := rig.settings.LastPourVolumes(ctx)
	for tap := 0; tap < 3; tap++ {
		if !near(pours[tap], 100.0/5100) {
			t.Fatalf("tap %d last pour %v", tap, pours[tap])
		}
	}
}

func TestPauseKeepsPulses(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.engine.Pause()
	rig.step(map[int]uint64{1: 300})
	if len(rig.events.sensorUpdates(1)) != 0 {
		t.Fatalf("paused ticks must not publish")
	}
	if rig.engine.Winner() != -1 {
		t.Fatalf("paused ticks must not arbitrate")
	}
	rig.engine.Resume()
	rig.step(nil)
	tap, _ := rig.engine.Tap(1)
	if !near(tap.DispensedLiters, 300.0/5100) {
		t.Fatalf("pulses from the pause should be attributed after resume, got %v", tap.DispensedLiters)
	}
}

func TestDisplayedTapsLimitsProcessing(t *testing.T) {
	fs := newFakeSettings(5)
	fs.displayed = 2
	rig := newTestRig(t, fs)
	rig.step(map[int]uint64{3: 500})
	if rig.engine.Winner() != -1 || len(rig.events.sensorUpdates(3)) != 0 {
		t.Fatalf("hidden taps must not be processed")
	}
	if taps := rig.engine.Taps(); !taps[1].Visible || taps[3].Visible {
		t.Fatalf("visibility not reported: %+v", taps)
	}
}

func TestHiddenWinnerFinishesPour(t *testing.T) {
	fs := newFakeSettings(5)
	fs.addKeg(4, api.Keg{ID: "a", StartingVolumeLiters: 19})
	rig := newTestRig(t, fs)

	rig.step(map[int]uint64{4: 510})
	rig.step(map[int]uint64{4: 510})
	fs.mu.Lock()
	fs.displayed = 3
	fs.mu.Unlock()
	rig.step(nil)

	tap, _ := rig.engine.Tap(4)
	if tap.Active || rig.engine.Winner() != -1 {
		t.Fatalf("hiding the winner should end its pour: %+v", tap)
	}
	if !near(tap.LastPourLiters, 0.2) {
		t.Fatalf("last pour %v want 0.2", tap.LastPourLiters)
	}
	completed := rig.events.topic(events.TopicPourCompleted)
	if len(completed) != 1 || completed[0].Payload.(api.PourCompleted).Tap != 4 {
		t.Fatalf("expected a completed pour on tap 4, got %+v", completed)
	}
	if rig.engine.persist.pending == nil {
		t.Fatalf("hidden pour should be queued for persistence")
	}
}

func TestSettingsReadFailureKeepsRunning(t *testing.T) {
	fs := newFakeSettings(5)
	fs.displayedErr = errors.New("locked")
	rig := newTestRig(t, fs)
	rig.step(map[int]uint64{0: 100})
	if rig.engine.Winner() != 0 {
		t.Fatalf("monitor should continue with previous settings")
	}
	if st, _ := rig.health.Status(health.ComponentSettingsStore); st.Level != health.LevelWarn {
		t.Fatalf("settings health should warn, got %+v", st)
	}
}

func TestStartStop(t *testing.T) {
	rig := newTestRig(t, nil)
	engine := rig.engine
	engine.opts.Interval = 5 * time.Millisecond
	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	if err := engine.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := engine.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}
