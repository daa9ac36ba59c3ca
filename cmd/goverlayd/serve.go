package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/eleven-am/goverlay"
	"github.com/eleven-am/goverlay/internal/config"
	"github.com/eleven-am/goverlay/internal/media"
	"github.com/eleven-am/goverlay/internal/metrics"
	"github.com/eleven-am/goverlay/internal/server"
	"github.com/eleven-am/goverlay/internal/telemetry"
	"github.com/eleven-am/goverlay/internal/tracker"

	"go.uber.org/zap"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting goverlayd",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("goverlay", logger)

	codec, err := media.Open(ctx, media.Options{
		Backend: cfg.Media.Backend,
		HWAccel: cfg.Media.HWAccel,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("open media backend: %w", err)
	}

	annotator := goverlay.NewAnnotator(annotatorOptions(cfg, codec, collector, logger))
	if err := annotator.Start(ctx); err != nil {
		return err
	}
	defer annotator.Stop()

	handler := server.NewHandler(ctx, server.Options{
		Processor:      annotator,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Metrics:        collector,
		Logger:         logger,
	})

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Server.Addr()
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	manager := server.NewManager(handler, srvCfg, logger)
	if err := manager.Start(); err != nil {
		return err
	}

	if err := manager.WaitForShutdown(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("goverlayd stopped")
	return nil
}

func annotatorOptions(cfg *config.Config, codec goverlay.Codec, collector *metrics.Collector, logger *zap.Logger) goverlay.Options {
	return goverlay.Options{
		Codec: codec,
		Loader: tracker.NewLoader(tracker.Options{
			Command:     cfg.Tracker.Command,
			LoadTimeout: cfg.Tracker.LoadTimeout,
			Quiet:       cfg.Tracker.Quiet,
			Logger:      logger,
		}),
		ModelPath:         cfg.Tracker.ModelPath,
		ScratchRoot:       cfg.Scratch.Root,
		OutputDir:         cfg.Scratch.OutputDir,
		ReleaseDelay:      cfg.Scratch.ReleaseDelay,
		JanitorWorkers:    cfg.Scratch.JanitorWorkers,
		DecodePolicy:      goverlay.DecodePolicy(cfg.Pipeline.DecodeErrors),
		MaxFrames:         cfg.Pipeline.MaxFrames,
		MaxConcurrentRuns: cfg.Pipeline.MaxConcurrentRuns,
		Metrics:           collector,
		Logger:            logger,
	}
}
