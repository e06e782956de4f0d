package flow

import (
	"context"
	"log"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
	"kegleveld/internal/runtime/commands"
)

const (
	CommandStartManualCalibration = "flow.start_manual_calibration"
	CommandStopManualCalibration  = "flow.stop_manual_calibration"
	CommandEnterAutoCalibration   = "flow.enter_auto_calibration"
	CommandExitAutoCalibration    = "flow.exit_auto_calibration"
	CommandResetAutoCalibration   = "flow.reset_auto_calibration"
	CommandCommitAutoCalibration  = "flow.commit_auto_calibration"
	CommandExitCalibration        = "flow.exit_calibration"
	CommandResetKFactor           = "flow.reset_k_factor"
	CommandCommitKegKick          = "flow.commit_keg_kick"
	CommandDeductVolume           = "flow.deduct_volume"
	CommandForceRecalculation     = "flow.force_recalculation"
	CommandAssignKeg              = "flow.assign_keg"
	CommandPause                  = "flow.pause"
	CommandResume                 = "flow.resume"
)

// StartManualCalibrationCommand begins a legacy capture on Tap.
type StartManualCalibrationCommand struct {
	Tap int
}

func (c StartManualCalibrationCommand) Name() string { return CommandStartManualCalibration }

// StopManualCalibrationCommand ends the capture on Tap. When MeasuredLiters is
// positive the derived K-factor is saved for the tap.
type StopManualCalibrationCommand struct {
	Tap            int
	MeasuredLiters float64
}

func (c StopManualCalibrationCommand) Name() string { return CommandStopManualCalibration }

// ManualCalibrationResponse carries the captured session.
type ManualCalibrationResponse struct {
	Tap     int     `json:"tap"`
	Pulses  uint64  `json:"pulses"`
	Liters  float64 `json:"liters"`
	KFactor float64 `json:"k_factor,omitempty"`
	Saved   bool    `json:"saved"`
}

type EnterAutoCalibrationCommand struct{}

func (c EnterAutoCalibrationCommand) Name() string { return CommandEnterAutoCalibration }

type ExitAutoCalibrationCommand struct{}

func (c ExitAutoCalibrationCommand) Name() string { return CommandExitAutoCalibration }

type ResetAutoCalibrationCommand struct{}

func (c ResetAutoCalibrationCommand) Name() string { return CommandResetAutoCalibration }

// CommitAutoCalibrationCommand saves the locked tap's K-factor. A nil
// DeductInventory falls back to the stored calibration preference.
type CommitAutoCalibrationCommand struct {
	ReferenceLiters float64
	DeductInventory *bool
}

func (c CommitAutoCalibrationCommand) Name() string { return CommandCommitAutoCalibration }

type ExitCalibrationCommand struct{}

func (c ExitCalibrationCommand) Name() string { return CommandExitCalibration }

type ResetKFactorCommand struct {
	Tap int
}

func (c ResetKFactorCommand) Name() string { return CommandResetKFactor }

type CommitKegKickCommand struct {
	Tap int
}

func (c CommitKegKickCommand) Name() string { return CommandCommitKegKick }

type DeductVolumeCommand struct {
	Tap    int
	Liters float64
}

func (c DeductVolumeCommand) Name() string { return CommandDeductVolume }

type ForceRecalculationCommand struct{}

func (c ForceRecalculationCommand) Name() string { return CommandForceRecalculation }

type AssignKegCommand struct {
	Tap   int
	KegID string
}

func (c AssignKegCommand) Name() string { return CommandAssignKeg }

type PauseCommand struct{}

func (c PauseCommand) Name() string { return CommandPause }

type ResumeCommand struct{}

func (c ResumeCommand) Name() string { return CommandResume }

// RegisterHandlers wires engine commands into the dispatcher.
func (e *Engine) RegisterHandlers(dispatcher *commands.Dispatcher) {
	dispatcher.Register(CommandStartManualCalibration, commands.HandlerFunc(e.handleStartManual))
	dispatcher.Register(CommandStopManualCalibration, commands.HandlerFunc(e.handleStopManual))
	dispatcher.Register(CommandEnterAutoCalibration, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		return nil, e.EnterAutoCalibration()
	}))
	dispatcher.Register(CommandExitAutoCalibration, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		e.ExitAutoCalibration()
		return nil, nil
	}))
	dispatcher.Register(CommandResetAutoCalibration, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		return nil, e.ResetAutoCalibration()
	}))
	dispatcher.Register(CommandCommitAutoCalibration, commands.HandlerFunc(e.handleCommitAuto))
	dispatcher.Register(CommandExitCalibration, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		e.ExitCalibration()
		return nil, nil
	}))
	dispatcher.Register(CommandResetKFactor, commands.HandlerFunc(e.handleResetKFactor))
	dispatcher.Register(CommandCommitKegKick, commands.HandlerFunc(e.handleCommitKegKick))
	dispatcher.Register(CommandDeductVolume, commands.HandlerFunc(e.handleDeductVolume))
	dispatcher.Register(CommandForceRecalculation, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		return nil, e.ForceRecalculation(ctx)
	}))
	dispatcher.Register(CommandAssignKeg, commands.HandlerFunc(e.handleAssignKeg))
	dispatcher.Register(CommandPause, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		e.Pause()
		return nil, nil
	}))
	dispatcher.Register(CommandResume, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		e.Resume()
		return nil, nil
	}))
}

func (e *Engine) handleStartManual(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(StartManualCalibrationCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	return nil, e.StartManualCalibration(request.Tap)
}

func (e *Engine) handleStopManual(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(StopManualCalibrationCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	pulses, liters, err := e.StopManualCalibration(request.Tap)
	if err != nil {
		return nil, err
	}
	resp := ManualCalibrationResponse{Tap: request.Tap, Pulses: pulses, Liters: liters}
	if request.MeasuredLiters > 0 {
		k, err := calibration.KFactorFromSample(pulses, request.MeasuredLiters)
		if err != nil {
			return resp, err
		}
		if _, err := e.SetKFactor(ctx, request.Tap, k); err != nil {
			return resp, err
		}
		resp.KFactor = k
		resp.Saved = true
	}
	return resp, nil
}

func (e *Engine) handleCommitAuto(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(CommitAutoCalibrationCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	var deduct bool
	if request.DeductInventory != nil {
		deduct = *request.DeductInventory
	} else {
		pref, err := e.settings.CalibrationDeductInventory(ctx)
		if err != nil {
			return nil, err
		}
		deduct = pref
	}
	res, err := e.CommitAutoCalibration(ctx, request.ReferenceLiters, deduct)
	if err != nil {
		return nil, err
	}
	// An explicit choice becomes the default for later commits.
	if request.DeductInventory != nil {
		if err := e.settings.SaveCalibrationDeductInventory(ctx, deduct); err != nil {
			e.metrics.ObservePersistFailure("deduct_inventory")
			log.Printf("WARN: flow: save deduct-inventory preference: %v", err)
		}
	}
	return res, nil
}

func (e *Engine) handleResetKFactor(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(ResetKFactorCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	prev, err := e.ResetKFactor(ctx, request.Tap)
	if err != nil {
		return nil, err
	}
	return api.CalibrationResult{Tap: request.Tap, KFactor: e.opts.DefaultKFactor, PreviousFactor: prev}, nil
}

func (e *Engine) handleCommitKegKick(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(CommitKegKickCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	return e.CommitKegKickCalibration(ctx, request.Tap)
}

func (e *Engine) handleDeductVolume(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(DeductVolumeCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	return nil, e.DeductVolumeFromKeg(ctx, request.Tap, request.Liters)
}

func (e *Engine) handleAssignKeg(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(AssignKegCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	return nil, e.AssignKeg(ctx, request.Tap, request.KegID)
}
