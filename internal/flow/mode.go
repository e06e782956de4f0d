package flow

// Mode is the engine's operating mode. Exactly one of NormalMode,
// ManualCalibrationMode or AutoCalibrationMode is current at any time, so
// manual and auto calibration can never overlap.
type Mode interface {
	isMode()
	// Name is the token used on the event bus and the HTTP API.
	Name() string
}

// NormalMode tracks pours with single-tap arbitration.
type NormalMode struct{}

// ManualCalibrationMode captures one tap's pulses and liters. The tap is
// excluded from dispensed-volume accounting while the session runs.
type ManualCalibrationMode struct {
	Tap         int     `json:"tap"`
	StartPulses uint64  `json:"start_pulses"`
	Liters      float64 `json:"liters"`
}

// AutoCalibrationMode listens on every tap and locks onto the first one that
// shows real flow. LockedTap is -1 while listening.
type AutoCalibrationMode struct {
	LockedTap     int    `json:"locked_tap"`
	SessionPulses uint64 `json:"session_pulses"`
}

const (
	ModeNameNormal = "normal"
	ModeNameManual = "manual_calibration"
	ModeNameAuto   = "auto_calibration"
)

func (NormalMode) isMode()            {}
func (ManualCalibrationMode) isMode() {}
func (AutoCalibrationMode) isMode()   {}

func (NormalMode) Name() string            { return ModeNameNormal }
func (ManualCalibrationMode) Name() string { return ModeNameManual }
func (AutoCalibrationMode) Name() string   { return ModeNameAuto }

// Listening reports whether no tap has locked yet.
func (m AutoCalibrationMode) Listening() bool { return m.LockedTap < 0 }

func listeningMode() AutoCalibrationMode { return AutoCalibrationMode{LockedTap: -1} }

// modeGauge maps a mode to the engine_mode metric value.
func modeGauge(m Mode) int {
	switch m.(type) {
	case ManualCalibrationMode:
		return 1
	case AutoCalibrationMode:
		return 2
	default:
		return 0
	}
}

// modeTap returns the tap a mode is bound to, or -1.
func modeTap(m Mode) int {
	switch v := m.(type) {
	case ManualCalibrationMode:
		return v.Tap
	case AutoCalibrationMode:
		return v.LockedTap
	default:
		return -1
	}
}
