package flow

import (
	"context"
	"log"
	"time"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
	"kegleveld/internal/events"
	"kegleveld/internal/health"
)

// Start launches the monitor loop and the pour persister. It is a no-op when
// already running.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	e.persist.start(runCtx)
	go e.run(runCtx, e.done)
	e.health.Setf(health.ComponentFlowMonitor, health.LevelOK, "monitoring %d taps every %s", len(e.taps), e.opts.Interval)
	log.Printf("INFO: flow: monitor started (%d taps, interval %s)", len(e.taps), e.opts.Interval)
	return nil
}

// Stop ends the loop between ticks and flushes pending pour state. The wait
// for the loop is bounded by the configured stop timeout.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	waitCtx, waitCancel := context.WithTimeout(ctx, e.opts.StopTimeout)
	defer waitCancel()
	select {
	case <-done:
	case <-waitCtx.Done():
		log.Printf("WARN: flow: monitor did not stop within %s", e.opts.StopTimeout)
		return waitCtx.Err()
	}
	err := e.persist.stop(ctx)
	e.health.Setf(health.ComponentFlowMonitor, health.LevelWarn, "stopped")
	log.Printf("INFO: flow: monitor stopped")
	return err
}

// Pause suspends attribution. Counters keep counting and baselines stay put,
// so pulses seen while paused are attributed on the first tick after Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.paused = true
	e.health.Setf(health.ComponentFlowMonitor, health.LevelOK, "paused")
	log.Printf("INFO: flow: monitor paused")
}

func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	e.health.Setf(health.ComponentFlowMonitor, health.LevelOK, "monitoring %d taps every %s", len(e.taps), e.opts.Interval)
	log.Printf("INFO: flow: monitor resumed")
}

func (e *Engine) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, e.opts.Now())
		}
	}
}

// tick runs one monitor pass. The mutex is held throughout so state and
// baselines always move together.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	started := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.refreshSettingsLocked(ctx)
	if auto, ok := e.mode.(AutoCalibrationMode); ok {
		e.autoTickLocked(now, auto)
	} else {
		e.normalTickLocked(ctx, now)
	}
	e.metrics.ObserveTick(time.Since(started).Seconds())
}

// refreshSettingsLocked re-reads the displayed tap count and K-factors. On a
// read error the previous values stay in use.
func (e *Engine) refreshSettingsLocked(ctx context.Context) {
	n, err := e.settings.DisplayedTaps(ctx)
	if err == nil {
		e.displayed = clamp(n, 0, len(e.taps))
	}
	factors, ferr := e.settings.FlowCalibrationFactors(ctx)
	if ferr == nil {
		copy(e.factors, factors)
	}
	if err == nil {
		err = ferr
	}
	if err != nil {
		e.health.Setf(health.ComponentSettingsStore, health.LevelWarn, "monitor read failed: %v", err)
		if !e.settingsWarned {
			log.Printf("WARN: flow: read settings: %v (using previous values)", err)
			e.settingsWarned = true
		}
		return
	}
	if e.settingsWarned {
		e.settingsWarned = false
		e.health.Setf(health.ComponentSettingsStore, health.LevelOK, "ok")
		log.Printf("INFO: flow: settings reads recovered")
	}
}

// sampleLocked reads tap i's counter against its baseline.
func (e *Engine) sampleLocked(i int) (current, delta uint64) {
	current, delta, anomaly := e.bank.SnapshotDelta(i, e.baseline[i])
	if anomaly {
		log.Printf("WARN: flow: tap %d counter went backwards (%d < %d); delta clamped to 0", i, current, e.baseline[i])
		e.metrics.ObserveAnomaly(i)
	}
	return current, delta
}

func (e *Engine) autoTickLocked(now time.Time, auto AutoCalibrationMode) {
	for i := 0; i < e.displayed; i++ {
		current, delta := e.sampleLocked(i)
		e.baseline[i] = current
		e.lastSample[i] = now

		switch {
		case auto.Listening():
			if delta > e.opts.AutoLockPulses {
				auto.LockedTap = i
				auto.SessionPulses = delta
				e.setModeLocked(auto)
				log.Printf("INFO: flow: auto-calibration locked on tap %d", i)
				e.publishCalibrationPulse(auto)
			}
		case i == auto.LockedTap && delta > 0:
			auto.SessionPulses += delta
			e.mode = auto
			e.publishCalibrationPulse(auto)
		}
	}
}

func (e *Engine) normalTickLocked(ctx context.Context, now time.Time) {
	n := e.displayed
	currents := make([]uint64, n)
	deltas := make([]uint64, n)
	for i := 0; i < n; i++ {
		currents[i], deltas[i] = e.sampleLocked(i)
	}

	if e.winner >= n {
		// The winner's tap was hidden mid-pour; the pour ends as if it stopped.
		if e.taps[e.winner].active {
			e.finishPourLocked(e.winner, now)
		}
		e.winner = -1
	}
	manual, inManual := e.mode.(ManualCalibrationMode)
	if e.winner < 0 && !inManual {
		for i := 0; i < n; i++ {
			if deltas[i] >= e.opts.ActivityPulses {
				e.winner = i
				break
			}
		}
	}

	for i := 0; i < n; i++ {
		t := &e.taps[i]
		delta := deltas[i]
		switch {
		case inManual && manual.Tap == i:
			if delta > 0 {
				manual = e.manualSampleLocked(manual, delta, now.Sub(e.lastSample[i]))
			}
		case i == e.winner && t.active && delta <= e.opts.StopPulses:
			e.finishPourLocked(i, now)
		case i == e.winner && delta > 0:
			e.pourLocked(ctx, i, delta, now)
		default:
			e.publishIdleLocked(i)
		}
		e.baseline[i] = currents[i]
		e.lastSample[i] = now
	}
}

func (e *Engine) manualSampleLocked(m ManualCalibrationMode, delta uint64, interval time.Duration) ManualCalibrationMode {
	t := &e.taps[m.Tap]
	k := e.factors[m.Tap]
	liters, err := calibration.LitersFromPulses(delta, k)
	if err != nil {
		e.warnFactorLocked(m.Tap, k)
		return m
	}
	t.warnedFactor = false
	rate, _ := calibration.FlowRateLPM(delta, k, interval)
	m.Liters += liters
	e.mode = m
	e.pub.Publish(events.Event{Topic: events.TopicCalibrationSample, Payload: api.CalibrationSample{
		Tap:              m.Tap,
		FlowRateLPM:      rate,
		CumulativeLiters: m.Liters,
	}})
	return m
}

// pourLocked accounts delta pulses to the winning tap.
func (e *Engine) pourLocked(ctx context.Context, i int, delta uint64, now time.Time) {
	t := &e.taps[i]
	k := e.factors[i]
	if !t.active {
		t.active = true
		t.pourStarted = e.lastSample[i]
	}
	e.metrics.ObservePulses(i, delta)

	liters, err := calibration.LitersFromPulses(delta, k)
	if err != nil {
		e.warnFactorLocked(i, k)
		// The pulse total still advances so a keg-kick calibration can
		// recover the factor later.
		e.updateKegLocked(ctx, i, delta)
		e.pub.Publish(events.Event{Topic: events.TopicSensorUpdate, Payload: api.SensorUpdate{
			Tap:             i,
			RemainingLiters: t.remaining,
			Status:          api.TapPouring,
			PourLiters:      t.pour,
		}})
		return
	}
	t.warnedFactor = false
	rate, _ := calibration.FlowRateLPM(delta, k, now.Sub(e.lastSample[i]))

	t.dispensed += liters
	t.pour += liters
	t.remaining -= liters
	t.pourLastFlow = now
	e.updateKegLocked(ctx, i, delta)
	e.metrics.ObserveDispensed(i, liters)
	e.metrics.SetRemaining(i, t.remaining)

	e.pub.Publish(events.Event{Topic: events.TopicSensorUpdate, Payload: api.SensorUpdate{
		Tap:             i,
		FlowRateLPM:     rate,
		RemainingLiters: t.remaining,
		Status:          api.TapPouring,
		PourLiters:      t.pour,
		Computable:      true,
	}})
}

// updateKegLocked hands the tap's dispensed volume to the settings
// collaborator. A failure is logged and counted; the in-memory volume is kept.
func (e *Engine) updateKegLocked(ctx context.Context, i int, pulses uint64) {
	t := &e.taps[i]
	if t.kegID == "" {
		return
	}
	if err := e.settings.UpdateKegDispensedVolume(ctx, t.kegID, t.dispensed, pulses); err != nil {
		log.Printf("WARN: flow: tap %d update keg %s: %v", i, t.kegID, err)
		e.metrics.ObservePersistFailure("update_dispensed")
	}
}

// finishPourLocked ends tap i's pour and releases arbitration. Pulses seen on
// the finishing tick are at or below the stop threshold and are not added.
func (e *Engine) finishPourLocked(i int, now time.Time) {
	t := &e.taps[i]
	t.lastPour = t.pour
	t.lastAverage = t.averageLPM()
	t.resetPour()
	e.winner = -1

	e.persist.submit(persistRequest{
		lastPours:    e.lastPoursLocked(),
		lastAverages: e.lastAveragesLocked(),
	})
	e.metrics.ObservePour(i)
	log.Printf("INFO: flow: tap %d pour finished: %.3f L at %.2f L/min, %.3f L remaining", i, t.lastPour, t.lastAverage, t.remaining)

	e.publishIdleLocked(i)
	e.pub.Publish(events.Event{Topic: events.TopicPourCompleted, Payload: api.PourCompleted{
		Tap:             i,
		KegID:           t.kegID,
		Liters:          t.lastPour,
		AverageLPM:      t.lastAverage,
		RemainingLiters: t.remaining,
		FinishedAt:      now,
	}})
}

func (e *Engine) publishIdleLocked(i int) {
	t := &e.taps[i]
	e.pub.Publish(events.Event{Topic: events.TopicSensorUpdate, Payload: api.SensorUpdate{
		Tap:             i,
		RemainingLiters: t.remaining,
		Status:          api.TapIdle,
		PourLiters:      t.lastPour,
		Computable:      calibration.ValidKFactor(e.factors[i]),
	}})
}

func (e *Engine) publishCalibrationPulse(auto AutoCalibrationMode) {
	e.pub.Publish(events.Event{Topic: events.TopicCalibrationPulse, Payload: api.CalibrationPulse{
		Tap:           auto.LockedTap,
		SessionPulses: auto.SessionPulses,
	}})
}

// warnFactorLocked logs an unusable K-factor once until it clears.
func (e *Engine) warnFactorLocked(i int, k float64) {
	t := &e.taps[i]
	if t.warnedFactor {
		return
	}
	t.warnedFactor = true
	log.Printf("WARN: flow: tap %d k-factor %v is not usable; volume shown as %s", i, k, calibration.NotComputable)
}

func (e *Engine) lastPoursLocked() []float64 {
	out := make([]float64, len(e.taps))
	for i := range e.taps {
		out[i] = e.taps[i].lastPour
	}
	return out
}

func (e *Engine) lastAveragesLocked() []float64 {
	out := make([]float64, len(e.taps))
	for i := range e.taps {
		out[i] = e.taps[i].lastAverage
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
