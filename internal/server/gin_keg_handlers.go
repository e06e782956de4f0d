package server

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"kegleveld/internal/api"
	"kegleveld/internal/events"
)

type settingsRequest struct {
	DisplayedTaps   *int  `json:"displayed_taps,omitempty"`
	DeductInventory *bool `json:"calibration_deduct_inventory,omitempty"`
}

// refreshTaps reloads tap volumes after a keg record changed and announces it.
func (s *GinServer) refreshTaps(ctx context.Context, kegID string, taps ...int) {
	if err := s.engine.ForceRecalculation(ctx); err != nil {
		log.Printf("WARN: recalculate taps after keg %s change: %v", kegID, err)
	}
	if len(taps) == 0 {
		taps = []int{-1}
	}
	for _, tap := range taps {
		s.events.Publish(events.Event{Topic: events.TopicKegChanged, Payload: events.KegChanged{KegID: kegID, Tap: tap}})
	}
}

// handleKegList handles GET /api/v1/kegs
func (s *GinServer) handleKegList(c *gin.Context) {
	kegs, err := s.store.ListKegs(c.Request.Context())
	if err != nil {
		writeGinErr(c, err)
		return
	}
	writeGinSuccess(c, gin.H{"kegs": kegs}, "")
}

// handleKegGet handles GET /api/v1/kegs/:id
func (s *GinServer) handleKegGet(c *gin.Context) {
	keg, err := s.store.KegByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeGinErr(c, err)
		return
	}
	writeGinSuccess(c, keg, "")
}

// handleKegCreate handles POST /api/v1/kegs
func (s *GinServer) handleKegCreate(c *gin.Context) {
	var req api.Keg
	if !bindOptionalJSON(c, &req) {
		return
	}
	keg, err := s.store.CreateKeg(c.Request.Context(), req)
	if err != nil {
		writeGinErr(c, err)
		return
	}
	s.events.Publish(events.Event{Topic: events.TopicKegChanged, Payload: events.KegChanged{KegID: keg.ID, Tap: -1}})
	c.JSON(http.StatusCreated, GinAppResponse{Data: keg, Message: "keg created"})
}

// handleKegUpdate handles PUT /api/v1/kegs/:id
func (s *GinServer) handleKegUpdate(c *gin.Context) {
	var req api.Keg
	if err := c.ShouldBindJSON(&req); err != nil {
		writeGinError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.ID = c.Param("id")
	keg, err := s.store.UpdateKeg(c.Request.Context(), req)
	if err != nil {
		writeGinErr(c, err)
		return
	}
	s.refreshTaps(c.Request.Context(), keg.ID, s.tapsWithKeg(c.Request.Context(), keg.ID)...)
	writeGinSuccess(c, keg, "keg updated")
}

// handleKegDelete handles DELETE /api/v1/kegs/:id
func (s *GinServer) handleKegDelete(c *gin.Context) {
	id := c.Param("id")
	unassigned, err := s.store.DeleteKeg(c.Request.Context(), id)
	if err != nil {
		writeGinErr(c, err)
		return
	}
	s.refreshTaps(c.Request.Context(), id, unassigned...)
	writeGinSuccess(c, gin.H{"id": id, "unassigned_taps": unassigned}, "keg deleted")
}

func (s *GinServer) tapsWithKeg(ctx context.Context, kegID string) []int {
	assignments, err := s.store.SensorKegAssignments(ctx)
	if err != nil {
		return nil
	}
	var taps []int
	for tap, id := range assignments {
		if id == kegID {
			taps = append(taps, tap)
		}
	}
	return taps
}

func (s *GinServer) settingsPayload(ctx context.Context) (gin.H, error) {
	displayed, err := s.store.DisplayedTaps(ctx)
	if err != nil {
		return nil, err
	}
	deduct, err := s.store.CalibrationDeductInventory(ctx)
	if err != nil {
		return nil, err
	}
	rev, checksum, err := s.store.Revision(ctx)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"displayed_taps":               displayed,
		"tap_count":                    s.engine.TapCount(),
		"calibration_deduct_inventory": deduct,
		"revision":                     rev,
		"checksum":                     checksum,
	}, nil
}

// handleSettingsGet handles GET /api/v1/settings
func (s *GinServer) handleSettingsGet(c *gin.Context) {
	payload, err := s.settingsPayload(c.Request.Context())
	if err != nil {
		writeGinErr(c, err)
		return
	}
	writeGinSuccess(c, payload, "")
}

// handleSettingsUpdate handles PUT /api/v1/settings
func (s *GinServer) handleSettingsUpdate(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeGinError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if req.DisplayedTaps != nil {
		if err := s.store.SaveDisplayedTaps(ctx, *req.DisplayedTaps); err != nil {
			writeGinErr(c, err)
			return
		}
	}
	if req.DeductInventory != nil {
		if err := s.store.SaveCalibrationDeductInventory(ctx, *req.DeductInventory); err != nil {
			writeGinErr(c, err)
			return
		}
	}
	payload, err := s.settingsPayload(ctx)
	if err != nil {
		writeGinErr(c, err)
		return
	}
	writeGinSuccess(c, payload, "settings saved")
}
