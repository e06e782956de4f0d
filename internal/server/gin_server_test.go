package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"kegleveld/internal/api"
	"kegleveld/internal/config"
)

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *APIError       `json:"error"`
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *GinServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Simulation.Enabled = true
	cfg.Flow.Interval = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewGinServer(cfg, WithGinVersion("test"))
	if err != nil {
		t.Fatalf("NewGinServer: %v", err)
	}
	t.Cleanup(func() { _ = s.store.Close(context.Background()) })
	return s
}

func doJSON(t *testing.T, s *GinServer, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
}

func createKeg(t *testing.T, s *GinServer, body string) api.Keg {
	t.Helper()
	w, env := doJSON(t, s, http.MethodPost, "/api/v1/kegs", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create keg: %d %s", w.Code, w.Body.String())
	}
	var keg api.Keg
	decodeData(t, env, &keg)
	return keg
}

func TestTapRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := doJSON(t, s, http.MethodGet, "/api/v1/taps", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list taps: %d %s", w.Code, w.Body.String())
	}
	var list struct {
		Taps   []api.TapSnapshot `json:"taps"`
		Winner int               `json:"winner"`
	}
	decodeData(t, env, &list)
	if len(list.Taps) != len(config.DefaultPins) || list.Winner != -1 {
		t.Fatalf("unexpected tap list: %+v", list)
	}

	w, env = doJSON(t, s, http.MethodGet, "/api/v1/taps/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get tap: %d", w.Code)
	}
	var snap api.TapSnapshot
	decodeData(t, env, &snap)
	if snap.Tap != 2 || snap.KFactor != config.DefaultKFactor {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	cases := []struct {
		name string
		path string
		code int
	}{
		{"not an integer", "/api/v1/taps/first", http.StatusBadRequest},
		{"out of range", "/api/v1/taps/9", http.StatusBadRequest},
		{"negative", "/api/v1/taps/-1", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := doJSON(t, s, http.MethodGet, tc.path, "")
			if w.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, w.Code)
			}
			if env.Error == nil || env.Error.Code != tc.code {
				t.Fatalf("expected error envelope, got %s", w.Body.String())
			}
		})
	}

	_, env = doJSON(t, s, http.MethodGet, "/api/v1/taps/first", "")
	if env.Error.Message != "tap must be an integer" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestManualCalibrationRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/manual/0/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	w, env := doJSON(t, s, http.MethodPost, "/api/v1/calibration/manual/1/start", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second session, got %d", w.Code)
	}
	if env.Error == nil {
		t.Fatalf("expected error envelope")
	}

	_, env = doJSON(t, s, http.MethodGet, "/api/v1/calibration", "")
	var status struct {
		Mode   string `json:"mode"`
		Paused bool   `json:"paused"`
	}
	decodeData(t, env, &status)
	if status.Mode != "manual" {
		t.Fatalf("expected manual mode, got %q", status.Mode)
	}

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/simulate/0/pulses", `{"count":2550}`); w.Code != http.StatusOK {
		t.Fatalf("inject pulses: %d %s", w.Code, w.Body.String())
	}

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/manual/1/stop", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 stopping the wrong tap, got %d", w.Code)
	}

	w, env = doJSON(t, s, http.MethodPost, "/api/v1/calibration/manual/0/stop", `{"milliliters":500}`)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", w.Code, w.Body.String())
	}
	var result struct {
		Pulses  uint64  `json:"pulses"`
		KFactor float64 `json:"k_factor"`
		Saved   bool    `json:"saved"`
	}
	decodeData(t, env, &result)
	if result.Pulses != 2550 || !result.Saved || math.Abs(result.KFactor-5100) > 1e-9 {
		t.Fatalf("unexpected stop result: %+v", result)
	}

	w, _ = doJSON(t, s, http.MethodPost, "/api/v1/calibration/manual/0/stop", `{"liters":1,"milliliters":1000}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for two units, got %d", w.Code)
	}
}

func TestAutoCalibrationRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := doJSON(t, s, http.MethodPost, "/api/v1/calibration/auto/commit", `{"liters":0.5}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 outside auto mode, got %d %s", w.Code, w.Body.String())
	}
	if env.Error == nil || env.Error.Code != http.StatusConflict {
		t.Fatalf("unexpected envelope %s", w.Body.String())
	}
	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/auto/reset", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 resetting outside auto mode, got %d", w.Code)
	}

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/auto/enter", ""); w.Code != http.StatusOK {
		t.Fatalf("enter: %d", w.Code)
	}
	_, env = doJSON(t, s, http.MethodGet, "/api/v1/calibration/auto", "")
	var auto struct {
		Active    bool `json:"active"`
		Listening bool `json:"listening"`
		LockedTap int  `json:"locked_tap"`
	}
	decodeData(t, env, &auto)
	if !auto.Active || !auto.Listening || auto.LockedTap != -1 {
		t.Fatalf("unexpected auto state: %+v", auto)
	}

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/auto/commit", `{"liters":0.5}`); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before a tap locks, got %d", w.Code)
	}
	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/exit", ""); w.Code != http.StatusOK {
		t.Fatalf("exit: %d", w.Code)
	}
	_, env = doJSON(t, s, http.MethodGet, "/api/v1/calibration/auto", "")
	decodeData(t, env, &auto)
	if auto.Active {
		t.Fatalf("expected auto-calibration to be inactive after exit")
	}
}

func TestFactorRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := doJSON(t, s, http.MethodGet, "/api/v1/calibration/factors", "")
	if w.Code != http.StatusOK {
		t.Fatalf("factors: %d", w.Code)
	}
	var factors struct {
		Factors []float64 `json:"factors"`
		Display []string  `json:"display"`
		Default float64   `json:"default"`
	}
	decodeData(t, env, &factors)
	if len(factors.Factors) != len(config.DefaultPins) || len(factors.Display) != len(factors.Factors) {
		t.Fatalf("unexpected factors payload: %+v", factors)
	}
	if factors.Default != config.DefaultKFactor {
		t.Fatalf("expected default %v, got %v", config.DefaultKFactor, factors.Default)
	}

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/factors/7/default", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range tap, got %d", w.Code)
	}
	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/factors/1/default", ""); w.Code != http.StatusOK {
		t.Fatalf("reset factor: %d", w.Code)
	}
}

func TestKegRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	keg := createKeg(t, s, `{"title":"Pale Ale","calculated_starting_volume_liters":19}`)
	if keg.ID == "" || keg.Title != "Pale Ale" {
		t.Fatalf("unexpected keg: %+v", keg)
	}

	w, env := doJSON(t, s, http.MethodGet, "/api/v1/kegs/"+keg.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get keg: %d", w.Code)
	}
	if w, _ := doJSON(t, s, http.MethodGet, "/api/v1/kegs/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w, _ := doJSON(t, s, http.MethodPut, "/api/v1/taps/0/keg", `{"keg_id":"missing"}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 assigning unknown keg, got %d", w.Code)
	}

	w, env = doJSON(t, s, http.MethodPut, "/api/v1/taps/0/keg", `{"keg_id":"`+keg.ID+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", w.Code, w.Body.String())
	}
	var snap api.TapSnapshot
	decodeData(t, env, &snap)
	if snap.KegID != keg.ID || snap.RemainingLiters != 19 {
		t.Fatalf("unexpected tap after assign: %+v", snap)
	}

	w, _ = doJSON(t, s, http.MethodPost, "/api/v1/taps/0/deduct", `{"liters":1.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("deduct: %d %s", w.Code, w.Body.String())
	}
	_, env = doJSON(t, s, http.MethodGet, "/api/v1/kegs/"+keg.ID, "")
	var stored api.Keg
	decodeData(t, env, &stored)
	if math.Abs(stored.DispensedLiters-1.5) > 1e-9 {
		t.Fatalf("expected 1.5 L dispensed, got %v", stored.DispensedLiters)
	}

	keg.Title = "Pale Ale (recalibrated)"
	keg.StartingVolumeLiters = 20
	body, _ := json.Marshal(keg)
	if w, _ := doJSON(t, s, http.MethodPut, "/api/v1/kegs/"+keg.ID, string(body)); w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	_, env = doJSON(t, s, http.MethodGet, "/api/v1/taps/0", "")
	decodeData(t, env, &snap)
	if snap.RemainingLiters != 20 {
		t.Fatalf("expected tap to pick up the edited keg, got %+v", snap)
	}

	w, env = doJSON(t, s, http.MethodDelete, "/api/v1/kegs/"+keg.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	var deleted struct {
		Unassigned []int `json:"unassigned_taps"`
	}
	decodeData(t, env, &deleted)
	if len(deleted.Unassigned) != 1 || deleted.Unassigned[0] != 0 {
		t.Fatalf("expected tap 0 unassigned, got %v", deleted.Unassigned)
	}
	_, env = doJSON(t, s, http.MethodGet, "/api/v1/taps/0", "")
	decodeData(t, env, &snap)
	if snap.KegID != "" {
		t.Fatalf("expected tap 0 to be unassigned, got %q", snap.KegID)
	}

	_, env = doJSON(t, s, http.MethodGet, "/api/v1/kegs", "")
	var list struct {
		Kegs []api.Keg `json:"kegs"`
	}
	decodeData(t, env, &list)
	if len(list.Kegs) != 0 {
		t.Fatalf("expected empty keg list, got %+v", list.Kegs)
	}
}

func TestKegKickRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	if w, _ := doJSON(t, s, http.MethodGet, "/api/v1/calibration/keg-kick/0", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a keg, got %d", w.Code)
	}

	keg := createKeg(t, s, `{"title":"Stout","calculated_starting_volume_liters":19,"total_dispensed_pulses":95000,"beverage_id":"bev-stout","fill_date":"2026-09-30"}`)
	if keg.BeverageID != "bev-stout" || keg.FillDate != "2026-09-30" {
		t.Fatalf("beverage and fill date not stored: %+v", keg)
	}
	if w, _ := doJSON(t, s, http.MethodPut, "/api/v1/taps/0/keg", `{"keg_id":"`+keg.ID+`"}`); w.Code != http.StatusOK {
		t.Fatalf("assign: %d", w.Code)
	}

	w, env := doJSON(t, s, http.MethodGet, "/api/v1/calibration/keg-kick/0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("preview: %d %s", w.Code, w.Body.String())
	}
	var preview api.KegKickPreview
	decodeData(t, env, &preview)
	if preview.TotalPulses != 95000 || math.Abs(preview.NewFactor-5000) > 1e-9 {
		t.Fatalf("unexpected preview: %+v", preview)
	}

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/keg-kick/0", ""); w.Code != http.StatusOK {
		t.Fatalf("commit: %d %s", w.Code, w.Body.String())
	}
	_, env = doJSON(t, s, http.MethodGet, "/api/v1/taps/0", "")
	var snap api.TapSnapshot
	decodeData(t, env, &snap)
	if snap.KegID != "" || math.Abs(snap.KFactor-5000) > 1e-9 {
		t.Fatalf("unexpected tap after keg kick: %+v", snap)
	}
	w, env = doJSON(t, s, http.MethodGet, "/api/v1/kegs/"+keg.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get kicked keg: %d", w.Code)
	}
	var kicked api.Keg
	decodeData(t, env, &kicked)
	if kicked.BeverageID != "" || kicked.FillDate != "" || kicked.StartingVolumeLiters != 0 {
		t.Fatalf("kicked keg should be empty with no beverage: %+v", kicked)
	}
}

func TestSettingsRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := doJSON(t, s, http.MethodGet, "/api/v1/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get settings: %d", w.Code)
	}
	var settings struct {
		DisplayedTaps int    `json:"displayed_taps"`
		TapCount      int    `json:"tap_count"`
		Deduct        bool   `json:"calibration_deduct_inventory"`
		Revision      uint64 `json:"revision"`
	}
	decodeData(t, env, &settings)
	if settings.TapCount != len(config.DefaultPins) {
		t.Fatalf("unexpected settings: %+v", settings)
	}
	before := settings.Revision

	w, env = doJSON(t, s, http.MethodPut, "/api/v1/settings", `{"displayed_taps":3,"calibration_deduct_inventory":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update settings: %d %s", w.Code, w.Body.String())
	}
	decodeData(t, env, &settings)
	if settings.DisplayedTaps != 3 || !settings.Deduct || settings.Revision <= before {
		t.Fatalf("unexpected settings after update: %+v (revision before %d)", settings, before)
	}

	if w, _ := doJSON(t, s, http.MethodPut, "/api/v1/settings", `{"displayed_taps":99}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too many displayed taps, got %d", w.Code)
	}
}

func TestSimulationRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := doJSON(t, s, http.MethodPost, "/api/v1/simulate/0/pour", `{"liters":0.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("pour: %d %s", w.Code, w.Body.String())
	}
	var pour struct {
		Pulses uint64 `json:"pulses"`
	}
	decodeData(t, env, &pour)
	if pour.Pulses != 2550 {
		t.Fatalf("expected 2550 pulses, got %d", pour.Pulses)
	}
	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/simulate/0/pour", `{"liters":0}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty pour, got %d", w.Code)
	}

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/simulate/8/flow", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range flow tap, got %d", w.Code)
	}
	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/simulate/1/flow", `{"lpm":-1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative lpm, got %d", w.Code)
	}
	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/simulate/1/flow", `{"lpm":2.5}`); w.Code != http.StatusOK {
		t.Fatalf("flow: %d", w.Code)
	}
	_, env = doJSON(t, s, http.MethodGet, "/api/v1/simulate", "")
	var status struct {
		Simulating bool `json:"simulating"`
	}
	decodeData(t, env, &status)
	if !status.Simulating {
		t.Fatalf("expected simulation to be reported")
	}

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/monitor/pause", ""); w.Code != http.StatusOK {
		t.Fatalf("pause: %d", w.Code)
	}
	if !s.Engine().Paused() {
		t.Fatalf("expected engine to be paused")
	}
	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/monitor/resume", ""); w.Code != http.StatusOK {
		t.Fatalf("resume: %d", w.Code)
	}
}

func TestHealthVersionAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := doJSON(t, s, http.MethodGet, "/api/v1/health/live", "")
	if w.Code != http.StatusOK {
		t.Fatalf("live: %d", w.Code)
	}
	// The flow monitor has not started.
	if w, _ := doJSON(t, s, http.MethodGet, "/api/v1/health/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", w.Code)
	}

	w, _ = doJSON(t, s, http.MethodGet, "/version", "")
	var version map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &version); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if version["version"] != "test" || version["service"] != "kegleveld" {
		t.Fatalf("unexpected version payload: %v", version)
	}
	if got := w.Header().Get("X-Service-Version"); got != "test" {
		t.Fatalf("expected X-Service-Version test, got %q", got)
	}

	w, _ = doJSON(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response: %d", w.Code)
	}

	w, _ = doJSON(t, s, http.MethodGet, "/api/v1/health/detail", "")
	var detail struct {
		Commands []string `json:"commands"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if len(detail.Commands) == 0 {
		t.Fatalf("expected registered commands in detail")
	}
}

func TestStartServePourStop(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = s.Stop(context.Background())
		}
	})

	if w, _ := doJSON(t, s, http.MethodGet, "/api/v1/health/ready", ""); w.Code != http.StatusOK {
		t.Fatalf("expected ready after start, got %d %s", w.Code, w.Body.String())
	}

	keg := createKeg(t, s, `{"title":"Lager","calculated_starting_volume_liters":19}`)
	if w, _ := doJSON(t, s, http.MethodPut, "/api/v1/taps/0/keg", `{"keg_id":"`+keg.ID+`"}`); w.Code != http.StatusOK {
		t.Fatalf("assign: %d", w.Code)
	}
	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/simulate/0/pour", `{"liters":0.5}`); w.Code != http.StatusOK {
		t.Fatalf("pour: %d", w.Code)
	}

	deadline := time.Now().Add(3 * time.Second)
	var snap api.TapSnapshot
	for time.Now().Before(deadline) {
		_, env := doJSON(t, s, http.MethodGet, "/api/v1/taps/0", "")
		decodeData(t, env, &snap)
		if snap.LastPourLiters > 0 && !snap.Active {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if math.Abs(snap.LastPourLiters-0.5) > 1e-6 || math.Abs(snap.RemainingLiters-18.5) > 1e-6 {
		t.Fatalf("expected a finished 0.5 L pour, got %+v", snap)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	stopped = true
	if w, _ := doJSON(t, s, http.MethodGet, "/api/v1/kegs", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after the store closed, got %d", w.Code)
	}
}

func TestOpenAPIValidation(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.HTTP.ValidateAPI = true
		cfg.HTTP.OpenAPIPath = "../../docs/api/openapi.yaml"
	})
	if s.apiValidator == nil {
		t.Fatalf("expected validator to load")
	}

	w, _ := doJSON(t, s, http.MethodGet, "/api/v1/taps", "")
	if w.Code != http.StatusOK {
		t.Fatalf("valid request rejected: %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-API-Validation"); got != "enabled" {
		t.Fatalf("expected validation header, got %q", got)
	}

	w, env := doJSON(t, s, http.MethodGet, "/api/v1/taps/first", "")
	if w.Code != http.StatusBadRequest || env.Error == nil || !strings.Contains(env.Error.Message, "request failed validation") {
		t.Fatalf("expected validation failure, got %d %s", w.Code, w.Body.String())
	}

	w, env = doJSON(t, s, http.MethodGet, "/api/v1/nowhere", "")
	if w.Code != http.StatusBadRequest || env.Error == nil || !strings.Contains(env.Error.Message, "request not in API spec") {
		t.Fatalf("expected unknown route rejection, got %d %s", w.Code, w.Body.String())
	}

	w, _ = doJSON(t, s, http.MethodGet, "/version", "")
	if w.Code != http.StatusOK {
		t.Fatalf("non-API route should bypass validation, got %d", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	waitFor := func(event string) {
		t.Helper()
		for lines.Scan() {
			if strings.TrimSpace(lines.Text()) == "event:"+event {
				return
			}
		}
		t.Fatalf("stream ended before %q: %v", event, lines.Err())
	}
	waitFor("ready")

	if w, _ := doJSON(t, s, http.MethodPost, "/api/v1/calibration/manual/2/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}
	waitFor("mode_changed")
}
