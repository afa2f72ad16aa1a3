package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"candleflow/adapter"
	"candleflow/adapter/binance"
	"candleflow/adapter/bybit"
	"candleflow/adapter/kucoin"
	"candleflow/adapter/okx"
	"candleflow/config"
	"candleflow/internal/channel"
	"candleflow/internal/coordinator"
	"candleflow/internal/store"
	"candleflow/logger"
	"candleflow/stream"
	"candleflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	symbols := flag.String("symbols", "", "Comma-separated symbol override")
	duration := flag.Duration("duration", 0, "Run for a fixed duration, then exit (0 runs until signalled)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *symbols != "" {
		cfg.Collection.Symbols = splitSymbols(*symbols)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":  cfg.Candleflow.Name,
		"version":  cfg.Candleflow.Version,
		"symbols":  cfg.Collection.Symbols,
		"interval": cfg.Collection.ParsedInterval.String(),
	}).Info("starting candleflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Logging.DashboardName != "" {
		logger.InitCloudWatch(cfg.Storage.Archive.S3.Region, cfg.Candleflow.Name, cfg.Logging.DashboardName)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	adapters := buildAdapters(cfg)
	if len(adapters) == 0 {
		log.WithComponent("main").Error("no adapters enabled")
		os.Exit(1)
	}

	channels := channel.NewChannels(
		cfg.Channels.BatchBuffer,
		cfg.Channels.LiquidationBuffer,
		cfg.Channels.DepthBuffer,
	)

	coord := coordinator.New(cfg, adapters, st, channels)
	if err := coord.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start coordinator")
		os.Exit(1)
	}

	var archive *writer.ArchiveWriter
	if cfg.Storage.Archive.Enabled {
		archive, err = writer.NewArchiveWriter(cfg.Storage.Archive, channels)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archive storage disabled; batches are not persisted to parquet")
		go discardBatches(ctx, channels)
	}

	var liquidations *stream.LiquidationReader
	if cfg.Streams.Liquidations.Enabled {
		liquidations = stream.NewLiquidationReader(cfg.Streams.Liquidations, channels)
		if err := liquidations.Start(ctx); err != nil {
			log.WithError(err).Warn("liquidation reader failed to start")
			liquidations = nil
		}
	}
	var depth *stream.DepthReader
	if cfg.Streams.Depth.Enabled {
		depth = stream.NewDepthReader(cfg.Streams.Depth, channels)
		if err := depth.Start(ctx); err != nil {
			log.WithError(err).Warn("depth reader failed to start")
			depth = nil
		}
	}

	log.WithComponent("main").Info("candleflow started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *duration > 0 {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("received shutdown signal")
		case <-time.After(*duration):
			log.WithFields(logger.Fields{"duration": duration.String()}).Info("run duration elapsed")
		}
	} else {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("received shutdown signal")
	}

	log.WithComponent("main").Info("shutting down")
	cancel()

	if liquidations != nil {
		liquidations.Stop()
	}
	if depth != nil {
		depth.Stop()
	}
	coord.Stop()
	if archive != nil {
		archive.Stop()
	}

	log.WithComponent("main").Info("candleflow stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Storage.Postgres.Enabled {
		return store.NewPostgres(ctx, cfg.Storage.Postgres)
	}
	logger.GetLogger().WithComponent("main").Warn("postgres disabled, using in-memory store")
	return store.NewMemory(), nil
}

func buildAdapters(cfg *config.Config) []adapter.Adapter {
	var out []adapter.Adapter
	if cfg.Adapters.Binance.Enabled {
		out = append(out, binance.New(cfg.Adapters.Binance))
	}
	if cfg.Adapters.Bybit.Enabled {
		out = append(out, bybit.New(cfg.Adapters.Bybit))
	}
	if cfg.Adapters.Kucoin.Enabled {
		out = append(out, kucoin.New(cfg.Adapters.Kucoin))
	}
	if cfg.Adapters.Okx.Enabled {
		out = append(out, okx.New(cfg.Adapters.Okx))
	}
	return out
}

// discardBatches keeps the pipeline channels drained when no archive
// writer is attached.
func discardBatches(ctx context.Context, ch *channel.Channels) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Batches:
		case <-ch.Liquidations:
		case <-ch.Depth:
		}
	}
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(strings.ToUpper(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
