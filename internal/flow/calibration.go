package flow

import (
	"context"
	"fmt"
	"log"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
)

// StartManualCalibration begins a legacy capture on tap. If the tap is
// currently pouring, that pour is finished first so its volume lands on the keg.
func (e *Engine) StartManualCalibration(tap int) error {
	if err := e.checkTap(tap); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mode.(NormalMode); !ok {
		return fmt.Errorf("%w: %s", ErrCalibrationActive, e.mode.Name())
	}
	now := e.opts.Now()
	if e.winner == tap {
		if e.taps[tap].active {
			e.finishPourLocked(tap, now)
		}
		e.winner = -1
	}
	start := e.bank.Load(tap)
	e.baseline[tap] = start
	e.lastSample[tap] = now
	e.setModeLocked(ManualCalibrationMode{Tap: tap, StartPulses: start})
	log.Printf("INFO: flow: manual calibration started on tap %d at %d pulses", tap, start)
	return nil
}

// StopManualCalibration ends the session on tap and returns the pulses seen
// since it started with the liters accumulated at the current K-factor.
func (e *Engine) StopManualCalibration(tap int) (uint64, float64, error) {
	if err := e.checkTap(tap); err != nil {
		return 0, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.mode.(ManualCalibrationMode)
	if !ok || m.Tap != tap {
		return 0, 0, fmt.Errorf("%w: %d", ErrNoCalibration, tap)
	}
	current := e.bank.Load(tap)
	var pulses uint64
	if current > m.StartPulses {
		pulses = current - m.StartPulses
	}
	// Calibration flow must not turn into a pour on the next tick.
	e.baseline[tap] = current
	e.lastSample[tap] = e.opts.Now()
	e.setModeLocked(NormalMode{})
	log.Printf("INFO: flow: manual calibration on tap %d stopped: %d pulses, %.3f L", tap, pulses, m.Liters)
	return pulses, m.Liters, nil
}

// EnterAutoCalibration switches to listening auto-calibration. Any pour in
// progress is finished first. Entering again clears the lock.
func (e *Engine) EnterAutoCalibration() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mode.(ManualCalibrationMode); ok {
		return fmt.Errorf("%w: %s", ErrCalibrationActive, ModeNameManual)
	}
	if e.winner >= 0 {
		if e.taps[e.winner].active {
			e.finishPourLocked(e.winner, e.opts.Now())
		}
		e.winner = -1
	}
	e.setModeLocked(listeningMode())
	log.Printf("INFO: flow: auto-calibration listening")
	return nil
}

// ExitAutoCalibration returns to normal monitoring. It does nothing outside
// auto mode.
func (e *Engine) ExitAutoCalibration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mode.(AutoCalibrationMode); !ok {
		return
	}
	e.setModeLocked(NormalMode{})
	log.Printf("INFO: flow: auto-calibration stopped")
}

// ResetAutoCalibration drops the lock and the accumulator without leaving auto
// mode. Every tap is re-baselined so residual trickle does not re-lock at once.
func (e *Engine) ResetAutoCalibration() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mode.(AutoCalibrationMode); !ok {
		return ErrAutoCalibrationInactive
	}
	e.setModeLocked(listeningMode())
	e.rebaselineLocked()
	log.Printf("INFO: flow: auto-calibration reset")
	return nil
}

// ExitCalibration forces normal mode from either calibration mode. Leaving
// the calibration screen calls it unconditionally.
func (e *Engine) ExitCalibration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mode.(NormalMode); ok {
		return
	}
	if m, ok := e.mode.(ManualCalibrationMode); ok {
		e.baseline[m.Tap] = e.bank.Load(m.Tap)
		e.lastSample[m.Tap] = e.opts.Now()
	}
	log.Printf("INFO: flow: leaving %s", e.mode.Name())
	e.setModeLocked(NormalMode{})
}

// CommitAutoCalibration derives the locked tap's K-factor from the session
// pulses and an operator-measured reference volume, saves it and, when deduct
// is set, charges the reference volume to the tap's keg. The session then
// returns to listening for the next measurement.
func (e *Engine) CommitAutoCalibration(ctx context.Context, referenceLiters float64, deduct bool) (api.CalibrationResult, error) {
	e.mu.Lock()
	auto, ok := e.mode.(AutoCalibrationMode)
	if !ok {
		e.mu.Unlock()
		return api.CalibrationResult{}, ErrAutoCalibrationInactive
	}
	if auto.Listening() {
		e.mu.Unlock()
		return api.CalibrationResult{}, ErrNotLocked
	}
	k, err := calibration.KFactorFromSample(auto.SessionPulses, referenceLiters)
	if err != nil {
		e.mu.Unlock()
		return api.CalibrationResult{}, err
	}
	tap := auto.LockedTap
	prev, err := e.saveKFactorLocked(ctx, tap, k)
	if err != nil {
		e.mu.Unlock()
		return api.CalibrationResult{}, err
	}
	e.setModeLocked(listeningMode())
	e.rebaselineLocked()
	e.mu.Unlock()

	log.Printf("INFO: flow: tap %d calibrated: %d pulses / %.3f L = %s (was %s)",
		tap, auto.SessionPulses, referenceLiters, calibration.FormatKFactor(k), calibration.FormatKFactor(prev))
	if deduct {
		if err := e.DeductVolumeFromKeg(ctx, tap, referenceLiters); err != nil {
			log.Printf("WARN: flow: deduct calibration volume from tap %d: %v", tap, err)
		}
	}
	return api.CalibrationResult{
		Tap:            tap,
		Pulses:         auto.SessionPulses,
		Liters:         referenceLiters,
		KFactor:        k,
		PreviousFactor: prev,
	}, nil
}

// SetKFactor stores k for tap and returns the previous factor.
func (e *Engine) SetKFactor(ctx context.Context, tap int, k float64) (float64, error) {
	if err := e.checkTap(tap); err != nil {
		return 0, err
	}
	if !calibration.ValidKFactor(k) {
		return 0, fmt.Errorf("%w: %v", calibration.ErrInvalidKFactor, k)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, err := e.saveKFactorLocked(ctx, tap, k)
	if err != nil {
		return 0, err
	}
	log.Printf("INFO: flow: tap %d k-factor set to %s (was %s)", tap, calibration.FormatKFactor(k), calibration.FormatKFactor(prev))
	return prev, nil
}

// ResetKFactor restores tap's default K-factor.
func (e *Engine) ResetKFactor(ctx context.Context, tap int) (float64, error) {
	return e.SetKFactor(ctx, tap, e.opts.DefaultKFactor)
}

func (e *Engine) saveKFactorLocked(ctx context.Context, tap int, k float64) (float64, error) {
	factors := append([]float64(nil), e.factors...)
	prev := factors[tap]
	factors[tap] = k
	if err := e.settings.SaveFlowCalibrationFactors(ctx, factors); err != nil {
		e.metrics.ObservePersistFailure("calibration_factors")
		return 0, fmt.Errorf("save k-factor for tap %d: %w", tap, err)
	}
	e.factors[tap] = k
	return prev, nil
}
