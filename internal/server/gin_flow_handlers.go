package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
	"kegleveld/internal/flow"
)

// volumeRequest is a reference volume given in exactly one unit.
type volumeRequest struct {
	Liters      float64 `json:"liters,omitempty"`
	Milliliters float64 `json:"milliliters,omitempty"`
	FluidOunces float64 `json:"fluid_ounces,omitempty"`
}

// liters converts the request to liters; zero means no volume was given.
func (v volumeRequest) liters() (float64, error) {
	given := 0
	var out float64
	if v.Liters != 0 {
		given++
		out = v.Liters
	}
	if v.Milliliters != 0 {
		given++
		out = calibration.MillilitersToLiters(v.Milliliters)
	}
	if v.FluidOunces != 0 {
		given++
		out = calibration.FluidOuncesToLiters(v.FluidOunces)
	}
	if given > 1 {
		return 0, fmt.Errorf("%w: give the volume in one unit", flow.ErrInvalidVolume)
	}
	if out < 0 {
		return 0, fmt.Errorf("%w: %v", flow.ErrInvalidVolume, out)
	}
	return out, nil
}

type autoCommitRequest struct {
	volumeRequest
	DeductInventory *bool `json:"deduct_inventory,omitempty"`
}

type kegAssignRequest struct {
	KegID string `json:"keg_id"`
}

type pulsesRequest struct {
	Count uint64 `json:"count"`
}

type flowRequest struct {
	// LPM defaults to the configured simulation rate; zero stops the flow.
	LPM *float64 `json:"lpm,omitempty"`
}

// handleTapList handles GET /api/v1/taps
func (s *GinServer) handleTapList(c *gin.Context) {
	writeGinSuccess(c, gin.H{"taps": s.engine.Taps(), "winner": s.engine.Winner()}, "")
}

// handleTapGet handles GET /api/v1/taps/:tap
func (s *GinServer) handleTapGet(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	snap, err := s.engine.Tap(tap)
	if err != nil {
		writeGinErr(c, err)
		return
	}
	writeGinSuccess(c, snap, "")
}

// handleTapDeduct handles POST /api/v1/taps/:tap/deduct
func (s *GinServer) handleTapDeduct(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	var req volumeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	liters, err := req.liters()
	if err != nil {
		writeGinErr(c, err)
		return
	}
	if _, ok := s.dispatch(c, flow.DeductVolumeCommand{Tap: tap, Liters: liters}); !ok {
		return
	}
	snap, _ := s.engine.Tap(tap)
	writeGinSuccess(c, snap, fmt.Sprintf("deducted %.3f L", liters))
}

// handleForceRecalculation handles POST /api/v1/taps/recalculate
func (s *GinServer) handleForceRecalculation(c *gin.Context) {
	if _, ok := s.dispatch(c, flow.ForceRecalculationCommand{}); !ok {
		return
	}
	writeGinSuccess(c, gin.H{"taps": s.engine.Taps()}, "recalculated")
}

// handleTapAssignKeg handles PUT /api/v1/taps/:tap/keg
func (s *GinServer) handleTapAssignKeg(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	var req kegAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeGinError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, ok := s.dispatch(c, flow.AssignKegCommand{Tap: tap, KegID: req.KegID}); !ok {
		return
	}
	snap, _ := s.engine.Tap(tap)
	writeGinSuccess(c, snap, "keg assigned")
}

func modePayload(m flow.Mode) gin.H {
	out := gin.H{"mode": m.Name()}
	switch v := m.(type) {
	case flow.ManualCalibrationMode:
		out["manual"] = v
	case flow.AutoCalibrationMode:
		out["auto"] = v
	}
	return out
}

// handleCalibrationStatus handles GET /api/v1/calibration
func (s *GinServer) handleCalibrationStatus(c *gin.Context) {
	payload := modePayload(s.engine.Mode())
	payload["paused"] = s.engine.Paused()
	writeGinSuccess(c, payload, "")
}

// handleCalibrationExit handles POST /api/v1/calibration/exit
func (s *GinServer) handleCalibrationExit(c *gin.Context) {
	if _, ok := s.dispatch(c, flow.ExitCalibrationCommand{}); !ok {
		return
	}
	writeGinSuccess(c, modePayload(s.engine.Mode()), "calibration exited")
}

// handleManualStart handles POST /api/v1/calibration/manual/:tap/start
func (s *GinServer) handleManualStart(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	if _, ok := s.dispatch(c, flow.StartManualCalibrationCommand{Tap: tap}); !ok {
		return
	}
	writeGinSuccess(c, modePayload(s.engine.Mode()), "manual calibration started")
}

// handleManualStop handles POST /api/v1/calibration/manual/:tap/stop
func (s *GinServer) handleManualStop(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	var req volumeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	measured, err := req.liters()
	if err != nil {
		writeGinErr(c, err)
		return
	}
	resp, ok := s.dispatch(c, flow.StopManualCalibrationCommand{Tap: tap, MeasuredLiters: measured})
	if !ok {
		return
	}
	writeGinSuccess(c, resp, "manual calibration stopped")
}

// handleAutoStatus handles GET /api/v1/calibration/auto
func (s *GinServer) handleAutoStatus(c *gin.Context) {
	state, active := s.engine.AutoCalibrationState()
	writeGinSuccess(c, gin.H{
		"active":         active,
		"listening":      active && state.Listening(),
		"locked_tap":     state.LockedTap,
		"session_pulses": state.SessionPulses,
	}, "")
}

// handleAutoEnter handles POST /api/v1/calibration/auto/enter
func (s *GinServer) handleAutoEnter(c *gin.Context) {
	if _, ok := s.dispatch(c, flow.EnterAutoCalibrationCommand{}); !ok {
		return
	}
	writeGinSuccess(c, modePayload(s.engine.Mode()), "auto-calibration listening")
}

// handleAutoExit handles POST /api/v1/calibration/auto/exit
func (s *GinServer) handleAutoExit(c *gin.Context) {
	if _, ok := s.dispatch(c, flow.ExitAutoCalibrationCommand{}); !ok {
		return
	}
	writeGinSuccess(c, modePayload(s.engine.Mode()), "auto-calibration stopped")
}

// handleAutoReset handles POST /api/v1/calibration/auto/reset
func (s *GinServer) handleAutoReset(c *gin.Context) {
	if _, ok := s.dispatch(c, flow.ResetAutoCalibrationCommand{}); !ok {
		return
	}
	writeGinSuccess(c, modePayload(s.engine.Mode()), "auto-calibration reset")
}

// handleAutoCommit handles POST /api/v1/calibration/auto/commit
func (s *GinServer) handleAutoCommit(c *gin.Context) {
	var req autoCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeGinError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := req.liters()
	if err != nil {
		writeGinErr(c, err)
		return
	}
	resp, ok := s.dispatch(c, flow.CommitAutoCalibrationCommand{ReferenceLiters: ref, DeductInventory: req.DeductInventory})
	if !ok {
		return
	}
	writeGinSuccess(c, resp, "calibration saved")
}

// handleFactorList handles GET /api/v1/calibration/factors
func (s *GinServer) handleFactorList(c *gin.Context) {
	factors := s.engine.Factors()
	display := make([]string, len(factors))
	for i, k := range factors {
		display[i] = calibration.FormatKFactor(k)
	}
	writeGinSuccess(c, gin.H{
		"factors": factors,
		"display": display,
		"default": s.cfg.Flow.DefaultKFactor,
	}, "")
}

// handleFactorReset handles POST /api/v1/calibration/factors/:tap/default
func (s *GinServer) handleFactorReset(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	resp, ok := s.dispatch(c, flow.ResetKFactorCommand{Tap: tap})
	if !ok {
		return
	}
	writeGinSuccess(c, resp, "k-factor reset to default")
}

// handleKegKickPreview handles GET /api/v1/calibration/keg-kick/:tap
func (s *GinServer) handleKegKickPreview(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	preview, err := s.engine.KegKickPreview(c.Request.Context(), tap)
	if err != nil {
		writeGinErr(c, err)
		return
	}
	writeGinSuccess(c, preview, "")
}

// handleKegKickCommit handles POST /api/v1/calibration/keg-kick/:tap
func (s *GinServer) handleKegKickCommit(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	resp, ok := s.dispatch(c, flow.CommitKegKickCommand{Tap: tap})
	if !ok {
		return
	}
	preview, _ := resp.(api.KegKickPreview)
	writeGinSuccess(c, preview, fmt.Sprintf("keg %s marked empty", preview.KegID))
}

// handleSimulationStatus handles GET /api/v1/simulate
func (s *GinServer) handleSimulationStatus(c *gin.Context) {
	writeGinSuccess(c, gin.H{
		"simulating": s.simulating.Load(),
		"flows":      s.simulator.Flows(),
	}, "")
}

// handleSimulatePulses handles POST /api/v1/simulate/:tap/pulses
func (s *GinServer) handleSimulatePulses(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	var req pulsesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeGinError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.engine.SimulatePulseIncrement(tap, req.Count); err != nil {
		writeGinErr(c, err)
		return
	}
	writeGinSuccess(c, gin.H{"tap": tap, "pulses": req.Count}, "pulses injected")
}

// handleSimulatePour handles POST /api/v1/simulate/:tap/pour
func (s *GinServer) handleSimulatePour(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeGinError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	liters, err := req.liters()
	if err != nil {
		writeGinErr(c, err)
		return
	}
	pulses, err := s.engine.SimulatePour(tap, liters)
	if err != nil {
		writeGinErr(c, err)
		return
	}
	writeGinSuccess(c, gin.H{"tap": tap, "pulses": pulses, "liters": liters}, "pour injected")
}

// handleSimulateFlow handles POST /api/v1/simulate/:tap/flow
func (s *GinServer) handleSimulateFlow(c *gin.Context) {
	tap, ok := tapParam(c)
	if !ok {
		return
	}
	if tap < 0 || tap >= s.engine.TapCount() {
		writeGinErr(c, fmt.Errorf("%w: %d", flow.ErrInvalidTap, tap))
		return
	}
	var req flowRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	lpm := s.cfg.Simulation.FlowLPM
	if req.LPM != nil {
		lpm = *req.LPM
	}
	if lpm < 0 {
		writeGinError(c, http.StatusBadRequest, "lpm must not be negative")
		return
	}
	s.simulator.SetFlow(tap, lpm)
	writeGinSuccess(c, gin.H{"tap": tap, "lpm": lpm, "flows": s.simulator.Flows()}, "")
}

// handleMonitorPause handles POST /api/v1/monitor/pause
func (s *GinServer) handleMonitorPause(c *gin.Context) {
	if _, ok := s.dispatch(c, flow.PauseCommand{}); !ok {
		return
	}
	writeGinSuccess(c, gin.H{"paused": true}, "monitor paused")
}

// handleMonitorResume handles POST /api/v1/monitor/resume
func (s *GinServer) handleMonitorResume(c *gin.Context) {
	if _, ok := s.dispatch(c, flow.ResumeCommand{}); !ok {
		return
	}
	writeGinSuccess(c, gin.H{"paused": false}, "monitor resumed")
}
