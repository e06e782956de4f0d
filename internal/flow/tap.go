package flow

import (
	"time"

	"kegleveld/internal/api"
)

// tapState is the loop-owned record for one tap. It is only touched with
// Engine.mu held.
type tapState struct {
	kegID       string
	dispensed   float64
	remaining   float64
	pour        float64
	active      bool
	lastPour    float64
	lastAverage float64

	// pourStarted and pourLastFlow bound the in-progress pour for the
	// average flow rate.
	pourStarted  time.Time
	pourLastFlow time.Time
	// warnedFactor suppresses repeated invalid K-factor warnings until the
	// factor becomes usable again.
	warnedFactor bool
}

func (t *tapState) resetPour() {
	t.pour = 0
	t.active = false
	t.pourStarted = time.Time{}
	t.pourLastFlow = time.Time{}
}

// averageLPM is the in-progress pour volume over its flowing duration.
func (t *tapState) averageLPM() float64 {
	if t.pourStarted.IsZero() || !t.pourLastFlow.After(t.pourStarted) {
		return 0
	}
	return t.pour / t.pourLastFlow.Sub(t.pourStarted).Minutes()
}

func (t *tapState) snapshot(tap, channel int, k float64, visible bool, raw uint64) api.TapSnapshot {
	return api.TapSnapshot{
		Tap:                tap,
		Channel:            channel,
		KegID:              t.kegID,
		DispensedLiters:    t.dispensed,
		RemainingLiters:    t.remaining,
		CurrentPourLiters:  t.pour,
		Active:             t.active,
		LastPourLiters:     t.lastPour,
		LastPourAverageLPM: t.lastAverage,
		KFactor:            k,
		Visible:            visible,
		RawPulses:          raw,
	}
}
