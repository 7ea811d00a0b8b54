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

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"traffic-violation-service/internal/alert"
	"traffic-violation-service/internal/auth"
	"traffic-violation-service/internal/calibration"
	"traffic-violation-service/internal/config"
	"traffic-violation-service/internal/coordinator"
	"traffic-violation-service/internal/db"
	httphandler "traffic-violation-service/internal/http"
	"traffic-violation-service/internal/http/middleware"
	"traffic-violation-service/internal/logger"
	"traffic-violation-service/internal/perception"
	"traffic-violation-service/internal/repository"
	"traffic-violation-service/internal/service"
	"traffic-violation-service/internal/speed"
	"traffic-violation-service/internal/storage"
	"traffic-violation-service/internal/trajectory"
	"traffic-violation-service/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment, cfg.LogLevel)

	database, err := db.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to connect database")
	}
	violationRepo := repository.NewViolationRepository(database)

	rules, err := config.LoadRules(cfg.Violation.RulesFile, cfg.Violation.MinConfidence)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to load violation rules")
	}

	objects := objectStore(cfg, appLogger)

	dispatcher := alert.NewDispatcher(alert.Config{
		Workers:      cfg.Alert.Workers,
		QueueSize:    cfg.Alert.QueueSize,
		PushTimeout:  cfg.Alert.PushTimeout,
		RetryBackoff: cfg.Alert.RetryBackoff,
		RateLimits: map[alert.Channel]int{
			alert.ChannelWebhook: cfg.Alert.WebhookPerHour,
			alert.ChannelEmail:   cfg.Alert.EmailPerHour,
			alert.ChannelMQTT:    cfg.Alert.MQTTPerHour,
		},
	}, appLogger, alert.WithAuditSink(violationRepo))

	dispatcher.Register(alert.ChannelDurable, transport.NewDurable(violationRepo))
	if cfg.Webhook.URL != "" {
		dispatcher.Register(alert.ChannelWebhook, transport.NewWebhook(transport.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Token:   cfg.Webhook.Token,
			Timeout: cfg.Webhook.Timeout,
		}, appLogger))
	}
	if cfg.SMTP.Host != "" {
		dispatcher.Register(alert.ChannelEmail, transport.NewEmail(transport.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
		}, appLogger))
	}

	var mqttClient *transport.MQTT
	if cfg.MQTT.Broker != "" {
		mqttClient = transport.NewMQTT(transport.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, appLogger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := mqttClient.Connect(ctx); err != nil {
			// клиент продолжает переподключаться сам, алерты до этого уходят в повтор
			appLogger.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("mqtt broker is not reachable yet")
		}
		cancel()
		dispatcher.Register(alert.ChannelMQTT, mqttClient)
	}

	liveHub := transport.NewLiveHub(appLogger)
	dispatcher.Register(alert.ChannelLive, liveHub)
	if objects != nil {
		dispatcher.Register(alert.ChannelArchive, transport.NewArchive(objects, cfg.Archive.Prefix, appLogger))
	}

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Calibration = calibration.Config{
		MaxErrorM:        cfg.Calibration.MaxErrorM,
		InlierThresholdM: cfg.Calibration.InlierThresholdM,
		MaxSamples:       coordCfg.Calibration.MaxSamples,
		Seed:             coordCfg.Calibration.Seed,
	}
	coordCfg.Trajectory = trajectory.Config{
		MaxTrajectories: cfg.Trajectory.MaxTracks,
		MaxPoints:       cfg.Trajectory.MaxPoints,
		StaleAfter:      cfg.Trajectory.StaleAfter,
	}
	coordCfg.Speed = speed.Config{
		MinDistanceM:       cfg.Speed.MinDistanceM,
		MinTime:            cfg.Speed.MinTime,
		FullConfidenceTime: cfg.Speed.FullConfidenceTime,
		DefaultLimitKmh:    cfg.Speed.DefaultLimitKmh,
		ToleranceKmh:       cfg.Speed.ToleranceKmh,
	}
	coordCfg.Rules = rules
	coordCfg.CalibrationDir = cfg.Calibration.Dir
	if cfg.Trajectory.SweepEvery > 0 {
		coordCfg.MaintenanceEvery = cfg.Trajectory.SweepEvery
	}
	if cfg.Coordinator.StoreBufferSize > 0 {
		coordCfg.StoreBufferSize = cfg.Coordinator.StoreBufferSize
	}
	if cfg.Coordinator.FrameQueueSize > 0 {
		coordCfg.FrameQueueSize = cfg.Coordinator.FrameQueueSize
	}

	coord, err := coordinator.New(coordCfg, violationRepo, dispatcher, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to create coordinator")
	}

	var serviceOpts []service.Option
	if cfg.Perception.Enabled {
		perceptionCfg := perception.DefaultConfig()
		perceptionCfg.MinConfidence = cfg.Perception.MinConfidence
		pipeline, err := perception.NewPipeline(
			perceptionCfg,
			perception.Reported{},
			perception.NewIoUTracker(cfg.Perception.MinIoU, cfg.Perception.MaxMisses),
			nil,
			appLogger.With().Str("component", "perception").Logger(),
		)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to create perception pipeline")
		}
		serviceOpts = append(serviceOpts, service.WithPipeline(pipeline))
	}

	violationService := service.NewViolationService(violationRepo, coord, objects, appLogger, serviceOpts...)

	tokenParser := auth.NewParser(cfg.Auth.AccessSecret)
	handler := httphandler.NewHandler(violationService, liveHub, cfg, appLogger)
	authMiddleware := middleware.Auth(tokenParser)
	router := httphandler.NewRouter(handler, authMiddleware, cfg.Environment, database, appLogger)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	if cfg.Violation.RetentionDays > 0 {
		g.Go(func() error {
			violationService.RunCleanup(gctx, cfg.Violation.RetentionDays, 24*time.Hour)
			return nil
		})
	}
	g.Go(func() error {
		appLogger.Info().Str("addr", addr).Msg("starting violation service")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		appLogger.Error().Err(err).Msg("service stopped with error")
	}

	// очередь алертов дорабатывается после остановки координатора, он уже сбросил буфер
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		appLogger.Warn().Err(err).Msg("alert queue was not fully drained")
	}
	liveHub.Close()
	if mqttClient != nil {
		mqttClient.Disconnect()
	}

	appLogger.Info().Msg("server exited")
}

// objectStore выбирает R2, если он настроен, иначе локальный каталог архива.
func objectStore(cfg *config.Config, log zerolog.Logger) storage.ObjectStore {
	r2Client, err := storage.NewR2Client(storage.R2Config{
		Endpoint:      cfg.R2.Endpoint,
		AccessKey:     cfg.R2.AccessKey,
		SecretKey:     cfg.R2.SecretKey,
		Bucket:        cfg.R2.Bucket,
		Region:        cfg.R2.Region,
		PublicBaseURL: cfg.R2.PublicBaseURL,
	})
	if err == nil {
		log.Info().Str("bucket", cfg.R2.Bucket).Msg("using R2 object storage")
		return r2Client
	}
	if !errors.Is(err, storage.ErrNotConfigured) {
		log.Fatal().Err(err).Msg("failed to initialize R2 client")
	}

	if cfg.Archive.Dir == "" {
		log.Warn().Msg("object storage not configured, snapshots and archive are disabled")
		return nil
	}
	local, err := storage.NewLocalDir(cfg.Archive.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare archive directory")
	}
	log.Warn().Str("dir", cfg.Archive.Dir).Msg("R2 storage not configured, using local directory")
	return local
}
