package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/internal/core/services"
	httphandlers "classmesh/internal/handlers/http"
	"classmesh/internal/handlers/ws"
	"classmesh/internal/infrastructure/monitoring"
	"classmesh/internal/infrastructure/signaling"
	webrtcinfra "classmesh/internal/infrastructure/webrtc"
	"classmesh/pkg/config"
	"classmesh/pkg/logger"
	"classmesh/pkg/retry"
	"classmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app holds everything one classroom process owns.
type app struct {
	cfg         *config.Config
	logger      *zap.SugaredLogger
	signaling   ports.SignalingChannel
	coordinator *services.SessionCoordinator
	stream      *domain.LocalStream
	events      *ws.EventHub
	health      *monitoring.HealthChecker
	tracer      *tracing.TracerProvider
	server      *http.Server
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagAddress != "" {
		cfg.Server.Address = flagAddress
	}
	return cfg, nil
}

func sessionConfig(cfg *config.Config) services.CoordinatorConfig {
	return services.CoordinatorConfig{
		RootCollection: cfg.Signaling.RootCollection,
		Session: services.SessionConfig{
			ConnectTimeout:        cfg.Session.ConnectTimeout,
			ReconnectWindow:       cfg.Session.ReconnectWindow,
			Reconnect:             retry.Fixed(cfg.Session.RestartAttempts, 0),
			ICEApply:              retry.Fixed(cfg.Session.ICERetryAttempts, cfg.Session.ICERetryDelay),
			SignalingWrite:        retry.DefaultPolicy(),
			QualitySampleInterval: cfg.Session.QualitySampleInterval,
		},
	}
}

func transportConfig(cfg *config.Config) webrtcinfra.Config {
	var tc webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		tc.ICEServers = append(tc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	tc.PortRange.Min = cfg.WebRTC.PortRange.Min
	tc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return tc
}

func newApp(ctx context.Context, cfg *config.Config, role domain.Role, zapLogger *zap.Logger) (*app, error) {
	log := zapLogger.Sugar()
	a := &app{cfg: cfg, logger: log}

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "classmesh",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tracer

	a.signaling, err = signaling.NewSignalingChannel(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	transport, err := webrtcinfra.NewPeerConnectionFactory(transportConfig(cfg), log)
	if err != nil {
		return nil, err
	}

	devices := webrtcinfra.NewTrackSource("")
	a.stream, err = devices.LocalStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire local media: %w", err)
	}

	var metrics ports.SessionMetrics = ports.NoopMetrics()
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	a.events = ws.NewEventHub(cfg.Server.PingInterval, log)
	a.coordinator, err = services.NewSessionCoordinator(services.CoordinatorOptions{
		Role:      role,
		Signaling: a.signaling,
		Transport: transport,
		Devices:   devices,
		Bandwidth: services.NewSDPBandwidthPolicy(
			cfg.WebRTC.Bandwidth.VideoMaxKbps,
			cfg.WebRTC.Bandwidth.AudioKbps,
			cfg.WebRTC.Bandwidth.VideoCodecs,
			cfg.WebRTC.Bandwidth.AudioCodecs,
		),
		Metrics:  metrics,
		Observer: a.events.Observer(rosterLogger(log)),
		Config:   sessionConfig(cfg),
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	a.health = monitoring.NewHealthChecker(log)
	a.health.AddSignalingCheck(a.signaling, cfg.Server.PingInterval, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httphandlers.NewClassroomHandler(a.coordinator, a.health, prometheus.DefaultGatherer)
	a.server = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      httphandlers.NewRouter(cfg, handler, a.events, zapLogger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

func rosterLogger(log *zap.SugaredLogger) ports.Observer {
	return ports.Observer{
		OnParticipantJoined: func(id domain.ParticipantID, _ *domain.RemoteStream) {
			log.Infow("participant joined", "participant_id", id)
		},
		OnParticipantLeft: func(id domain.ParticipantID) {
			log.Infow("participant left", "participant_id", id)
		},
		OnHandRaiseUpdate: func(id domain.ParticipantID, raised bool) {
			log.Infow("hand raise updated", "participant_id", id, "raised", raised)
		},
		OnAudioStateUpdate: func(id domain.ParticipantID, enabled bool) {
			log.Infow("audio state updated", "participant_id", id, "enabled", enabled)
		},
	}
}

// run builds the process, enters the room with start, serves the status
// API and blocks until a shutdown signal arrives.
func run(parent context.Context, role domain.Role, start func(ctx context.Context, a *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	a, err := newApp(ctx, cfg, role, zapLogger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := start(ctx, a); err != nil {
		return err
	}
	a.health.StartBackgroundChecks(ctx)

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Infow("status API listening", "address", cfg.Server.Address)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("status API failed: %w", err)
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}
	return nil
}

// close leaves the room and releases every resource, bounded by the
// configured shutdown timeout.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warnw("status API shutdown failed", "error", err)
		_ = a.server.Close()
	}
	a.events.Close()

	if err := a.coordinator.Cleanup(ctx); err != nil {
		a.logger.Warnw("cleanup failed", "error", err)
	}
	if err := a.signaling.Close(); err != nil {
		a.logger.Warnw("failed to close signaling channel", "error", err)
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warnw("failed to flush traces", "error", err)
	}
	a.logger.Info("classroom stopped")
}
