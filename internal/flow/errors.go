package flow

import "errors"

// Sentinel errors returned by engine operations. HTTP maps them with errors.Is.
var (
	ErrInvalidTap              = errors.New("flow: invalid tap")
	ErrCalibrationActive       = errors.New("flow: calibration already active")
	ErrNoCalibration           = errors.New("flow: no calibration session for tap")
	ErrAutoCalibrationInactive = errors.New("flow: auto-calibration not active")
	ErrNotLocked               = errors.New("flow: auto-calibration has not locked a tap")
	ErrNoKeg                   = errors.New("flow: no keg assigned to tap")
	ErrInvalidVolume           = errors.New("flow: invalid volume")
	ErrInvalidCommand          = errors.New("flow: invalid command payload")
)
