package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrKegNotFound is returned by settings collaborators when a keg id has no record.
var ErrKegNotFound = errors.New("keg not found")

// Keg is a keg definition as stored in the keg library.
type Keg struct {
	ID                      string  `json:"id"`
	Title                   string  `json:"title"`
	TareWeightKg            float64 `json:"tare_weight_kg"`
	StartingTotalWeightKg   float64 `json:"starting_total_weight_kg"`
	MaximumFullVolumeLiters float64 `json:"maximum_full_volume_liters"`
	StartingVolumeLiters    float64 `json:"calculated_starting_volume_liters"`
	DispensedLiters         float64 `json:"current_dispensed_liters"`
	TotalDispensedPulses    uint64  `json:"total_dispensed_pulses"`
	BeverageID              string  `json:"beverage_id,omitempty"`
	FillDate                string  `json:"fill_date,omitempty"`
}

// RemainingLiters is the starting volume minus what has been dispensed. It may be negative.
func (k Keg) RemainingLiters() float64 {
	return k.StartingVolumeLiters - k.DispensedLiters
}

// TapStatus enumerates the presentation state of a tap.
type TapStatus uint8

const (
	TapIdle TapStatus = iota
	TapPouring
)

var tapStatusToString = map[TapStatus]string{
	TapIdle:    "Idle",
	TapPouring: "Pouring",
}

var tapStatusFromString = map[string]TapStatus{
	"idle":    TapIdle,
	"pouring": TapPouring,
}

// String returns the display token of the status.
func (s TapStatus) String() string {
	if v, ok := tapStatusToString[s]; ok {
		return v
	}
	return ""
}

// MarshalJSON converts the status enum to its token.
func (s TapStatus) MarshalJSON() ([]byte, error) {
	token := s.String()
	if token == "" {
		return nil, fmt.Errorf("unknown tap status %d", s)
	}
	return json.Marshal(token)
}

// UnmarshalJSON parses a status token.
func (s *TapStatus) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	v, ok := tapStatusFromString[strings.ToLower(strings.TrimSpace(token))]
	if !ok {
		return fmt.Errorf("unknown tap status %q", token)
	}
	*s = v
	return nil
}

// SensorUpdate is published once per processed tap per monitor tick.
type SensorUpdate struct {
	Tap             int       `json:"tap"`
	FlowRateLPM     float64   `json:"flow_rate_lpm"`
	RemainingLiters float64   `json:"remaining_liters"`
	Status          TapStatus `json:"status"`
	PourLiters      float64   `json:"pour_liters"`
	// Computable is false when the tap's K-factor cannot be used for conversion.
	Computable bool `json:"computable"`
}

// CalibrationPulse reports the auto-calibration session accumulator for the locked tap.
type CalibrationPulse struct {
	Tap           int    `json:"tap"`
	SessionPulses uint64 `json:"session_pulses"`
}

// CalibrationSample reports live data for a manual calibration session.
type CalibrationSample struct {
	Tap              int     `json:"tap"`
	FlowRateLPM      float64 `json:"flow_rate_lpm"`
	CumulativeLiters float64 `json:"cumulative_liters"`
}

// PourCompleted is published when the winning tap stops flowing.
type PourCompleted struct {
	Tap             int       `json:"tap"`
	KegID           string    `json:"keg_id,omitempty"`
	Liters          float64   `json:"liters"`
	AverageLPM      float64   `json:"average_lpm"`
	RemainingLiters float64   `json:"remaining_liters"`
	FinishedAt      time.Time `json:"finished_at"`
}

// TapSnapshot is a read-only copy of a tap's runtime state.
type TapSnapshot struct {
	Tap                int     `json:"tap"`
	Channel            int     `json:"channel"`
	KegID              string  `json:"keg_id,omitempty"`
	DispensedLiters    float64 `json:"dispensed_liters"`
	RemainingLiters    float64 `json:"remaining_liters"`
	CurrentPourLiters  float64 `json:"current_pour_liters"`
	Active             bool    `json:"active"`
	LastPourLiters     float64 `json:"last_pour_liters"`
	LastPourAverageLPM float64 `json:"last_pour_average_lpm"`
	KFactor            float64 `json:"k_factor"`
	Visible            bool    `json:"visible"`
	RawPulses          uint64  `json:"raw_pulses"`
}

// CalibrationResult is the outcome of committing a calibration.
type CalibrationResult struct {
	Tap            int     `json:"tap"`
	Pulses         uint64  `json:"pulses"`
	Liters         float64 `json:"liters"`
	KFactor        float64 `json:"k_factor"`
	PreviousFactor float64 `json:"previous_k_factor"`
}

// KegKickPreview describes the K-factor implied by an emptied keg.
type KegKickPreview struct {
	Tap            int     `json:"tap"`
	KegID          string  `json:"keg_id"`
	TotalPulses    uint64  `json:"total_pulses"`
	StartingLiters float64 `json:"starting_liters"`
	CurrentFactor  float64 `json:"current_k_factor"`
	NewFactor      float64 `json:"new_k_factor"`
}
