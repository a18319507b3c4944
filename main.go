package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"marketfeed/book"
	"marketfeed/candles"
	"marketfeed/config"
	"marketfeed/feed"
	"marketfeed/internal/channel"
	"marketfeed/internal/dashboard"
	"marketfeed/logger"
	"marketfeed/models"
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
		"service": cfg.Marketfeed.Name,
		"version": cfg.Marketfeed.Version,
	}).Info("starting marketfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	channels := channel.NewChannels(cfg.Channels.FrameBuffer)

	store := candles.NewStore(cfg.Candles.HistorySize)
	aggregator := candles.NewAggregator(cfg, store)
	books := book.NewManager(cfg)

	client := feed.NewClient(cfg, channels)
	client.AddMessageHandler(models.ChannelOrderbook, books.HandleOrderbookMessage)
	client.AddMessageHandler(models.ChannelTrades, aggregator.HandleTradesMessage)

	if err := client.Connect(ctx); err != nil {
		log.WithError(err).Error("failed to connect to exchange feed")
		os.Exit(1)
	}

	if err := client.SubscribeOrderbook(cfg.Feed.Symbols); err != nil {
		log.WithError(err).Error("failed to subscribe orderbook channel")
		os.Exit(1)
	}
	if err := client.SubscribeTrades(cfg.Feed.Symbols); err != nil {
		log.WithError(err).Error("failed to subscribe trades channel")
		os.Exit(1)
	}
	if err := client.SubscribeMarkets(uuid.NewString()); err != nil {
		log.WithError(err).Warn("failed to subscribe markets channel")
	}

	dash := dashboard.NewServer(cfg.Dashboard, client, books, aggregator)
	dashDone := make(chan struct{})
	go func() {
		defer close(dashDone)
		if err := dash.Run(ctx); err != nil {
			log.WithError(err).Error("dashboard server failed")
		}
	}()
	if dash != nil {
		log.WithFields(logger.Fields{"address": dash.Address()}).Info("dashboard started")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	log.Info("stopping feed client")
	client.Disconnect()

	log.Info("flushing in-progress candles")
	aggregator.ForceCompleteCandles("")

	cancel()

	select {
	case <-dashDone:
	case <-time.After(10 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketfeed stopped")
}
