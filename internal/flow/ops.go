package flow

import (
	"context"
	"fmt"
	"log"
	"math"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
	"kegleveld/internal/events"
)

// ForceRecalculation reloads every tap's keg, dispensed and remaining volume
// from settings. Pulse counters and baselines are untouched.
func (e *Engine) ForceRecalculation(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loadVolumesLocked(ctx); err != nil {
		return fmt.Errorf("recalculate tap volumes: %w", err)
	}
	return nil
}

// DeductVolumeFromKeg charges liters to the keg on tap outside the pour path
// and reloads tap state. An unassigned tap is left alone.
func (e *Engine) DeductVolumeFromKeg(ctx context.Context, tap int, liters float64) error {
	if err := e.checkTap(tap); err != nil {
		return err
	}
	if liters < 0 || math.IsNaN(liters) || math.IsInf(liters, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, liters)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &e.taps[tap]
	if t.kegID == "" {
		return nil
	}
	dispensed := t.dispensed + liters
	if err := e.settings.UpdateKegDispensedVolume(ctx, t.kegID, dispensed, 0); err != nil {
		return fmt.Errorf("deduct from keg %s: %w", t.kegID, err)
	}
	t.dispensed = dispensed
	if err := e.settings.SaveAllKegDispensedVolumes(ctx); err != nil {
		e.metrics.ObservePersistFailure("dispensed_volumes")
		log.Printf("WARN: flow: save after deduction on tap %d: %v", tap, err)
	}
	log.Printf("INFO: flow: deducted %.3f L from keg %s on tap %d", liters, t.kegID, tap)
	if err := e.loadVolumesLocked(ctx); err != nil {
		return fmt.Errorf("recalculate tap volumes: %w", err)
	}
	return nil
}

// SimulatePulseIncrement injects n pulses on tap, standing in for sensor edges.
func (e *Engine) SimulatePulseIncrement(tap int, n uint64) error {
	if err := e.checkTap(tap); err != nil {
		return err
	}
	e.bank.Add(tap, n)
	return nil
}

// SimulatePour injects the pulses tap's current K-factor maps to liters.
func (e *Engine) SimulatePour(tap int, liters float64) (uint64, error) {
	if err := e.checkTap(tap); err != nil {
		return 0, err
	}
	if liters <= 0 || math.IsNaN(liters) || math.IsInf(liters, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidVolume, liters)
	}
	k := e.KFactor(tap)
	if !calibration.ValidKFactor(k) {
		return 0, fmt.Errorf("tap %d: %w", tap, calibration.ErrInvalidKFactor)
	}
	pulses := uint64(math.Round(liters * k))
	e.bank.Add(tap, pulses)
	return pulses, nil
}

// KegKickPreview reports the K-factor implied by treating the keg on tap as
// just emptied: its lifetime pulses over its starting volume.
func (e *Engine) KegKickPreview(ctx context.Context, tap int) (api.KegKickPreview, error) {
	if err := e.checkTap(tap); err != nil {
		return api.KegKickPreview{}, err
	}
	e.mu.Lock()
	kegID := e.taps[tap].kegID
	current := e.factors[tap]
	e.mu.Unlock()
	if kegID == "" {
		return api.KegKickPreview{}, fmt.Errorf("%w: %d", ErrNoKeg, tap)
	}
	keg, err := e.settings.KegByID(ctx, kegID)
	if err != nil {
		return api.KegKickPreview{}, err
	}
	preview := api.KegKickPreview{
		Tap:            tap,
		KegID:          kegID,
		TotalPulses:    keg.TotalDispensedPulses,
		StartingLiters: keg.StartingVolumeLiters,
		CurrentFactor:  current,
	}
	k, err := calibration.KegKickKFactor(keg.TotalDispensedPulses, keg.StartingVolumeLiters)
	if err != nil {
		return preview, err
	}
	preview.NewFactor = k
	return preview, nil
}

// CommitKegKickCalibration saves the keg-kick K-factor, takes the keg off the
// tap, marks it empty and reloads tap state.
func (e *Engine) CommitKegKickCalibration(ctx context.Context, tap int) (api.KegKickPreview, error) {
	preview, err := e.KegKickPreview(ctx, tap)
	if err != nil {
		return preview, err
	}
	if _, err := e.SetKFactor(ctx, tap, preview.NewFactor); err != nil {
		return preview, err
	}
	e.mu.Lock()
	err = e.assignKegLocked(ctx, tap, "")
	e.mu.Unlock()
	if err != nil {
		return preview, fmt.Errorf("unassign keg %s: %w", preview.KegID, err)
	}
	if err := e.settings.ResetKegToEmpty(ctx, preview.KegID); err != nil {
		return preview, fmt.Errorf("reset keg %s: %w", preview.KegID, err)
	}
	if err := e.ForceRecalculation(ctx); err != nil {
		return preview, err
	}
	e.pub.Publish(events.Event{Topic: events.TopicKegChanged, Payload: events.KegChanged{KegID: preview.KegID, Tap: tap}})
	log.Printf("INFO: flow: keg %s kicked on tap %d; k-factor %s", preview.KegID, tap, calibration.FormatKFactor(preview.NewFactor))
	return preview, nil
}

// AssignKeg puts kegID on tap ("" unassigns). A pour in progress on the tap is
// finished first so its volume stays with the previous keg.
func (e *Engine) AssignKeg(ctx context.Context, tap int, kegID string) error {
	if err := e.checkTap(tap); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.assignKegLocked(ctx, tap, kegID); err != nil {
		return err
	}
	e.pub.Publish(events.Event{Topic: events.TopicKegChanged, Payload: events.KegChanged{KegID: kegID, Tap: tap}})
	return nil
}

func (e *Engine) assignKegLocked(ctx context.Context, tap int, kegID string) error {
	if e.winner == tap {
		if e.taps[tap].active {
			e.finishPourLocked(tap, e.opts.Now())
		}
		e.winner = -1
	}
	if err := e.settings.AssignKeg(ctx, tap, kegID); err != nil {
		return err
	}
	if err := e.loadVolumesLocked(ctx); err != nil {
		return fmt.Errorf("recalculate tap volumes: %w", err)
	}
	return nil
}
