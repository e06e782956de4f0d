package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"kegleveld/internal/config"
	"kegleveld/internal/events"
	"kegleveld/internal/flow"
	"kegleveld/internal/health"
	"kegleveld/internal/metrics"
	"kegleveld/internal/persistence"
	"kegleveld/internal/pulse"
	"kegleveld/internal/runtime/commands"
	"kegleveld/internal/runtime/supervisor"
	"kegleveld/internal/state/paths"
)

const (
	shutdownTimeout = 5 * time.Second
	// streamBuffer is the per-client event backlog; a slower client drops updates.
	streamBuffer = 64
)

// GinServer holds the daemon's components and the HTTP surface over them.
type GinServer struct {
	cfg        *config.Config
	version    string
	router     *gin.Engine
	store      *persistence.SettingsStore
	bank       *pulse.Bank
	engine     *flow.Engine
	watcher    *pulse.Watcher
	simulator  *pulse.Simulator
	events     *events.Bus
	metrics    *metrics.Metrics
	supervisor *supervisor.Supervisor
	dispatcher *commands.Dispatcher

	healthTracker *health.Tracker
	apiValidator  *openAPIValidator

	// simulating is set when flow comes from the simulator rather than GPIO.
	simulating atomic.Bool
}

// GinServerOption is a function that configures a GinServer.
type GinServerOption func(*GinServer)

// WithGinVersion sets the version reported by /version.
func WithGinVersion(version string) GinServerOption {
	return func(s *GinServer) {
		s.version = version
	}
}

// NewGinServer opens the settings store and builds the flow engine, edge
// detection and HTTP routes. Nothing runs until Start.
func NewGinServer(cfg *config.Config, opts ...GinServerOption) (*GinServer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	bank, err := pulse.NewBank(cfg.Flow.Pins)
	if err != nil {
		return nil, fmt.Errorf("pulse bank: %w", err)
	}

	healthTracker := health.NewTracker()
	eventsBus := events.NewBus()
	m := metrics.New()
	dispatch := commands.NewDispatcher()
	dispatch.Use(commands.LogMiddleware())
	sup := supervisor.New(supervisor.WithHealth(healthTracker), supervisor.WithStopTimeout(shutdownTimeout))

	dbPath := paths.DatabasePath()
	if cfg.StateDir != "" {
		dbPath = filepath.Join(cfg.StateDir, "kegleveld.db")
	}
	store, err := persistence.Open(context.Background(), persistence.Options{
		Path:           dbPath,
		Taps:           bank.Len(),
		DefaultKFactor: cfg.Flow.DefaultKFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("open settings store %s: %w", dbPath, err)
	}
	healthTracker.Setf(health.ComponentSettingsStore, health.LevelOK, "opened %s", dbPath)

	engine, err := flow.NewEngine(context.Background(), store, bank, eventsBus, flow.Options{
		Interval:       cfg.Flow.Interval,
		ActivityPulses: cfg.Flow.ActivityPulses,
		StopPulses:     cfg.Flow.StopPulses,
		AutoLockPulses: cfg.Flow.AutoLockPulses,
		DefaultKFactor: cfg.Flow.DefaultKFactor,
		StopTimeout:    cfg.Flow.StopTimeout,
		Metrics:        m,
		Health:         healthTracker,
	})
	if err != nil {
		_ = store.Close(context.Background())
		return nil, fmt.Errorf("flow engine: %w", err)
	}
	engine.RegisterHandlers(dispatch)

	s := &GinServer{
		cfg:           cfg,
		version:       "dev",
		store:         store,
		bank:          bank,
		engine:        engine,
		events:        eventsBus,
		metrics:       m,
		supervisor:    sup,
		dispatcher:    dispatch,
		healthTracker: healthTracker,
	}
	s.simulating.Store(cfg.Simulation.Enabled)
	s.simulator = pulse.NewSimulator(bank, cfg.Simulation.RateHz, engine.KFactor)
	s.watcher = pulse.NewWatcher(bank, pulse.WatcherOptions{
		Root:     cfg.Flow.GPIORoot,
		Debounce: cfg.Flow.Debounce,
	})
	healthTracker.Setf(health.ComponentHTTP, health.LevelOK, "HTTP server initialized")

	for _, opt := range opts {
		opt(s)
	}

	// Registration order is start order; Stop runs in reverse so the engine
	// flushes before the store closes.
	s.supervisor.Register(supervisor.NewComponent(health.ComponentSettingsStore, s.startStore, func(ctx context.Context) error {
		return s.store.Close(ctx)
	}))
	s.supervisor.Register(supervisor.NewComponent(health.ComponentGPIO, s.startGPIO, s.watcher.Stop))
	s.supervisor.Register(supervisor.NewComponent(health.ComponentSimulator, s.startSimulator, s.simulator.Stop))
	s.supervisor.Register(supervisor.NewComponent(health.ComponentFlowMonitor, s.engine.Start, s.engine.Stop))
	s.supervisor.Register(newPourObserver(eventsBus))

	if err := s.setupGinRoutes(); err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *GinServer) startStore(ctx context.Context) error {
	if err := s.store.QuickCheck(ctx); err != nil {
		s.healthTracker.Setf(health.ComponentSettingsStore, health.LevelError, "integrity check failed: %v", err)
		return err
	}
	rev, _, err := s.store.Revision(ctx)
	if err != nil {
		return err
	}
	s.healthTracker.Setf(health.ComponentSettingsStore, health.LevelOK, "revision %d", rev)
	return nil
}

// startGPIO starts edge detection. When the lines cannot be opened the daemon
// keeps running on simulated flow.
func (s *GinServer) startGPIO(ctx context.Context) error {
	if s.simulating.Load() {
		s.healthTracker.Setf(health.ComponentGPIO, health.LevelWarn, "disabled: simulation enabled")
		return nil
	}
	if err := s.watcher.Start(ctx); err != nil {
		log.Printf("WARN: gpio unavailable, falling back to simulated flow: %v", err)
		s.healthTracker.Setf(health.ComponentGPIO, health.LevelWarn, "unavailable: %v", err)
		s.simulating.Store(true)
		return nil
	}
	s.healthTracker.Setf(health.ComponentGPIO, health.LevelOK, "watching pins %v", s.bank.Channels())
	return nil
}

func (s *GinServer) startSimulator(ctx context.Context) error {
	if err := s.simulator.Start(ctx); err != nil {
		return err
	}
	if s.simulating.Load() {
		s.healthTracker.Setf(health.ComponentSimulator, health.LevelOK, "simulated flow at %d Hz", s.cfg.Simulation.RateHz)
	} else {
		s.healthTracker.Setf(health.ComponentSimulator, health.LevelOK, "idle")
	}
	return nil
}

// Start launches the runtime components.
func (s *GinServer) Start(ctx context.Context) error {
	if err := s.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime components: %w", err)
	}
	return nil
}

// Stop shuts down the runtime components; the engine flushes pending pour
// state before the store closes.
func (s *GinServer) Stop(ctx context.Context) error {
	err := s.supervisor.Stop(ctx)
	s.events.Close()
	if err != nil {
		log.Printf("WARN: Failed to stop components cleanly: %v", err)
		return err
	}
	return nil
}

// Serve runs the HTTP listener until ctx is done, then drains it. Components
// must already be started.
func (s *GinServer) Serve(ctx context.Context, ready func()) error {
	addr := ":" + strconv.Itoa(s.cfg.HTTP.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("INFO: Starting kegleveld server with Gin on http://localhost%s", addr)
		errCh <- srv.ListenAndServe()
	}()
	if ready != nil {
		ready()
	}
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.healthTracker.Setf(health.ComponentHTTP, health.LevelError, "listener failed: %v", err)
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: http shutdown: %v", err)
		return err
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *GinServer) Handler() http.Handler { return s.router }

// Engine returns the flow engine.
func (s *GinServer) Engine() *flow.Engine { return s.engine }

// setupGinRoutes defines all API endpoints using Gin router.
func (s *GinServer) setupGinRoutes() error {
	r := gin.New()

	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	// Streams must reach the client unbuffered.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/events", "/metrics"})))
	r.Use(s.corsMiddleware())
	r.Use(s.securityHeadersMiddleware())

	if s.apiValidator == nil && s.cfg.HTTP.ValidateAPI {
		v, err := newOpenAPIValidator(s.cfg.HTTP.OpenAPIPath)
		if err != nil {
			log.Printf("WARN: OpenAPI validation disabled: %v", err)
		} else {
			s.apiValidator = v
		}
	}
	if s.apiValidator != nil {
		r.Use(s.apiValidator.Middleware())
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/openapi.yaml", func(c *gin.Context) {
			if b, err := loadOpenAPISpec(s.cfg.HTTP.OpenAPIPath); err == nil {
				c.Data(http.StatusOK, "application/yaml; charset=utf-8", b)
			} else {
				writeGinError(c, http.StatusNotFound, "spec not found")
			}
		})

		v1.GET("/health/live", s.handleHealthLive)
		v1.GET("/health/ready", s.handleGinReadinessCheck)
		v1.GET("/health/detail", s.handleHealthDetail)
		v1.GET("/events", s.handleEventStream)

		taps := v1.Group("/taps")
		{
			taps.GET("", s.handleTapList)
			taps.POST("/recalculate", s.handleForceRecalculation)
			taps.GET("/:tap", s.handleTapGet)
			taps.POST("/:tap/deduct", s.handleTapDeduct)
			taps.PUT("/:tap/keg", s.handleTapAssignKeg)
		}

		cal := v1.Group("/calibration")
		{
			cal.GET("", s.handleCalibrationStatus)
			cal.POST("/exit", s.handleCalibrationExit)
			cal.POST("/manual/:tap/start", s.handleManualStart)
			cal.POST("/manual/:tap/stop", s.handleManualStop)
			cal.GET("/auto", s.handleAutoStatus)
			cal.POST("/auto/enter", s.handleAutoEnter)
			cal.POST("/auto/exit", s.handleAutoExit)
			cal.POST("/auto/reset", s.handleAutoReset)
			cal.POST("/auto/commit", s.handleAutoCommit)
			cal.GET("/factors", s.handleFactorList)
			cal.POST("/factors/:tap/default", s.handleFactorReset)
			cal.GET("/keg-kick/:tap", s.handleKegKickPreview)
			cal.POST("/keg-kick/:tap", s.handleKegKickCommit)
		}

		kegs := v1.Group("/kegs")
		{
			kegs.GET("", s.handleKegList)
			kegs.POST("", s.handleKegCreate)
			kegs.GET("/:id", s.handleKegGet)
			kegs.PUT("/:id", s.handleKegUpdate)
			kegs.DELETE("/:id", s.handleKegDelete)
		}

		v1.GET("/settings", s.handleSettingsGet)
		v1.PUT("/settings", s.handleSettingsUpdate)

		sim := v1.Group("/simulate")
		{
			sim.GET("", s.handleSimulationStatus)
			sim.POST("/:tap/pulses", s.handleSimulatePulses)
			sim.POST("/:tap/pour", s.handleSimulatePour)
			sim.POST("/:tap/flow", s.handleSimulateFlow)
		}

		v1.POST("/monitor/pause", s.handleMonitorPause)
		v1.POST("/monitor/resume", s.handleMonitorResume)
	}

	r.GET("/version", s.handleGinVersion)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.router = r
	return nil
}

func (s *GinServer) handleGinVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"service": "kegleveld",
	})
}
