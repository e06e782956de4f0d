package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
	"kegleveld/internal/flow"
	"kegleveld/internal/persistence"
	"kegleveld/internal/runtime/commands"
)

// APIError represents a standardized API error response
type APIError struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GinAppResponse represents the standardized API response format
type GinAppResponse struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// writeGinError writes an error response using Gin
func writeGinError(c *gin.Context, statusCode int, message string) {
	response := GinAppResponse{
		Error: &APIError{
			Error:   http.StatusText(statusCode),
			Code:    statusCode,
			Message: message,
		},
	}
	c.JSON(statusCode, response)
}

// writeGinSuccess writes a successful response using Gin
func writeGinSuccess(c *gin.Context, data interface{}, message string) {
	response := GinAppResponse{
		Data:    data,
		Message: message,
	}
	c.JSON(http.StatusOK, response)
}

// statusForError maps engine and store errors onto HTTP status codes.
func statusForError(err error) int {
	var unknown commands.ErrUnknownCommand
	switch {
	case errors.Is(err, flow.ErrInvalidTap),
		errors.Is(err, flow.ErrInvalidVolume),
		errors.Is(err, flow.ErrInvalidCommand),
		errors.Is(err, calibration.ErrInvalidKFactor),
		errors.Is(err, calibration.ErrNotComputable),
		errors.Is(err, persistence.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrKegNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrCalibrationActive),
		errors.Is(err, flow.ErrNoCalibration),
		errors.Is(err, flow.ErrNotLocked),
		errors.Is(err, flow.ErrAutoCalibrationInactive),
		errors.Is(err, flow.ErrNoKeg):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &unknown):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeGinErr(c *gin.Context, err error) {
	writeGinError(c, statusForError(err), err.Error())
}

// tapParam parses the :tap path segment. It writes a 400 and returns false
// when the segment is not an integer; range checks are left to the engine.
func tapParam(c *gin.Context) (int, bool) {
	tap, err := strconv.Atoi(c.Param("tap"))
	if err != nil {
		writeGinError(c, http.StatusBadRequest, "tap must be an integer")
		return 0, false
	}
	return tap, true
}

// bindOptionalJSON decodes a request body when one was sent.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		writeGinError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// dispatch runs cmd through the dispatcher, writing the error response on failure.
func (s *GinServer) dispatch(c *gin.Context, cmd commands.Command) (commands.Response, bool) {
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), cmd)
	if err != nil {
		writeGinErr(c, err)
		return nil, false
	}
	return resp, true
}
