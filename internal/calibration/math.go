// Package calibration converts between sensor pulses, volume, flow rate and K-factor.
//
// A K-factor is the number of sensor pulses emitted per liter. Every conversion
// that divides by a K-factor or a volume checks its divisor first; callers get
// ErrInvalidKFactor or ErrNotComputable rather than an infinity.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultKFactor is the factory pulses-per-liter value for the supported sensors.
	DefaultKFactor = 5100.0
	// LitersPerFluidOunce converts US fluid ounces.
	LitersPerFluidOunce = 0.0295735
	// DefaultDensity is the specific gravity used to turn net keg weight into liters.
	DefaultDensity = 1.014
	// NotComputable is how an undefined K-factor is displayed.
	NotComputable = "----"
)

var (
	// ErrInvalidKFactor reports a K-factor that is zero, negative or not finite.
	ErrInvalidKFactor = errors.New("calibration: invalid k-factor")
	// ErrNotComputable reports a derived quantity with no defined value.
	ErrNotComputable = errors.New("calibration: not computable")
)

// ValidKFactor reports whether k can be used as a divisor.
func ValidKFactor(k float64) bool {
	return k > 0 && !math.IsInf(k, 0) && !math.IsNaN(k)
}

// LitersFromPulses converts a pulse count to liters.
func LitersFromPulses(pulses uint64, k float64) (float64, error) {
	if !ValidKFactor(k) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidKFactor, k)
	}
	return float64(pulses) / k, nil
}

// FlowRateLPM is the volume of pulses over interval expressed in liters per minute.
func FlowRateLPM(pulses uint64, k float64, interval time.Duration) (float64, error) {
	liters, err := LitersFromPulses(pulses, k)
	if err != nil {
		return 0, err
	}
	if interval <= 0 {
		return 0, fmt.Errorf("%w: interval %s", ErrNotComputable, interval)
	}
	return liters / (interval.Seconds() / 60.0), nil
}

// KFactorFromSample derives pulses per liter from a measured reference pour.
func KFactorFromSample(pulses uint64, liters float64) (float64, error) {
	if !(liters > 0) || math.IsInf(liters, 0) {
		return 0, fmt.Errorf("%w: reference volume %v", ErrNotComputable, liters)
	}
	return float64(pulses) / liters, nil
}

// KegKickKFactor derives a K-factor from a keg that was emptied completely: every
// pulse it ever recorded accounts for its whole starting volume.
func KegKickKFactor(totalPulses uint64, startingLiters float64) (float64, error) {
	if totalPulses == 0 {
		return 0, fmt.Errorf("%w: no pulses recorded", ErrNotComputable)
	}
	return KFactorFromSample(totalPulses, startingLiters)
}

// MillilitersToLiters converts a metric reference volume.
func MillilitersToLiters(ml float64) float64 { return ml / 1000.0 }

// FluidOuncesToLiters converts an imperial reference volume.
func FluidOuncesToLiters(oz float64) float64 { return oz * LitersPerFluidOunce }

// VolumeFromWeight estimates liquid volume from a gross keg weight. A density of
// zero or less falls back to DefaultDensity. The result never drops below zero.
func VolumeFromWeight(totalKg, tareKg, density float64) float64 {
	if density <= 0 {
		density = DefaultDensity
	}
	v := (totalKg - tareKg) / density
	if v < 0 {
		return 0
	}
	return v
}

// WeightFromVolume is the inverse of VolumeFromWeight.
func WeightFromVolume(liters, tareKg, density float64) float64 {
	if density <= 0 {
		density = DefaultDensity
	}
	return liters*density + tareKg
}

// FormatKFactor renders k for display, or NotComputable when k is unusable.
func FormatKFactor(k float64) string {
	if !ValidKFactor(k) {
		return NotComputable
	}
	return fmt.Sprintf("%.2f", k)
}
