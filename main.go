package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketstream/config"
	"marketstream/internal/archive"
	"marketstream/internal/cache"
	"marketstream/internal/channel"
	"marketstream/internal/feed"
	"marketstream/internal/metrics"
	"marketstream/internal/ranking"
	"marketstream/internal/stream"
	"marketstream/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketstream.Name,
		"version": cfg.Marketstream.Version,
	}).Info("starting marketstream")

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Logging.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.TickBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	var reader feed.Source = feed.NewBinanceReader(cfg, channels)
	engine := ranking.NewEngine(channels)
	snapshotCache := cache.NewSnapshotCache(cfg)
	defer snapshotCache.Close()

	var archiveWriter *archive.S3Writer
	if cfg.Archive.S3.Enabled {
		archiveWriter, err = archive.NewS3Writer(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create snapshot archive")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 archive disabled; skipping writer")
	}

	var sink stream.SnapshotSink
	if archiveWriter != nil {
		sink = archiveWriter
	}
	hub := stream.NewHub(cfg, engine, snapshotCache, sink)
	server := stream.NewServer(cfg, hub, engine)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reader.Start(ctx); err != nil {
			log.WithError(err).Warn("binance feed reader failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Start(ctx); err != nil {
			log.WithError(err).Warn("ranking engine failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Start(ctx); err != nil {
			log.WithError(err).Warn("stream hub failed to start")
		}
	}()

	if archiveWriter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiveWriter.Start(ctx); err != nil {
				log.WithError(err).Warn("snapshot archive failed to start")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.WithError(err).Error("stream server failed")
			cancel()
		}
	}()

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	if archiveWriter != nil {
		log.Info("stopping snapshot archive")
		archiveWriter.Stop()
	}

	log.Info("stopping stream hub")
	hub.Stop()

	log.Info("stopping ranking engine")
	engine.Stop()

	log.Info("stopping binance feed reader")
	reader.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketstream stopped")
}
