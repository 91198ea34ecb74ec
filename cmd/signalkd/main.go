// Package main is the entry point for signalkd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/signalk-server/internal/broadcast"
	"github.com/nugget/signalk-server/internal/buildinfo"
	"github.com/nugget/signalk-server/internal/config"
	"github.com/nugget/signalk-server/internal/configstore"
	"github.com/nugget/signalk-server/internal/httpapi"
	"github.com/nugget/signalk-server/internal/pipeline"
	mqttprovider "github.com/nugget/signalk-server/internal/provider/mqtt"
	"github.com/nugget/signalk-server/internal/serverevent"
	"github.com/nugget/signalk-server/internal/session"
	"github.com/nugget/signalk-server/internal/store"
	"github.com/nugget/signalk-server/internal/subscription"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("signalkd - Signal K telemetry server")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the server")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting signalkd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "storage_driver", cfg.Storage.Driver)

	backend, err := openConfigStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open config store", "error", err)
		os.Exit(1)
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	vessel, err := loadOrSeedVessel(backend, cfg.Vessel)
	if err != nil {
		logger.Error("failed to load vessel identity", "error", err)
		os.Exit(1)
	}
	logger.Info("vessel identity", "uuid", vessel.UUID, "name", vessel.Name)

	st := store.New("urn:mrn:signalk:uuid:" + vessel.UUID)
	bus := broadcast.New()

	debugNamespaces := make(map[string]bool, len(cfg.DebugNamespaces))
	for _, ns := range cfg.DebugNamespaces {
		debugNamespaces[ns] = true
	}
	debugEnabled := func(namespace string) bool { return debugNamespaces[namespace] }

	pl := pipeline.New(st, bus, 1024, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pl.Start(ctx)
	defer pl.Wait()

	var mqttBridge *mqttprovider.Bridge
	if cfg.MQTT.Configured() {
		mqttBridge = mqttprovider.New(mqttprovider.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicFilter: cfg.MQTT.TopicFilter,
			RateLimit:   cfg.MQTT.RateLimit,
		}, pl, logger.With("component", "mqtt"))

		go func() {
			if err := mqttBridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge stopped", "error", err)
			}
		}()
	}

	events := serverevent.New(serverevent.Options{
		Store:     st,
		Pipeline:  pl,
		Bus:       bus,
		Providers: providerStatusSourceOrNil(mqttBridge),
		Vessel: serverevent.VesselInfo{
			UUID: vessel.UUID,
			Name: vessel.Name,
			MMSI: vessel.MMSI,
		},
		Version:      buildinfo.Version,
		DebugEnabled: debugEnabled,
		Logger:       logger,
	})
	go events.Run(ctx)

	go runPruneSweep(ctx, st, cfg.PruneContextsMinutes, logger)

	srv := httpapi.New(httpapi.Config{
		Address: fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Store:   st,
		Logger:  logger,
		SessionOptions: func(r *http.Request) session.Options {
			q := r.URL.Query()
			mode := subscription.InitialSelf
			switch q.Get("subscribe") {
			case "all":
				mode = subscription.InitialAll
			case "none":
				mode = subscription.InitialNone
			}
			return session.Options{
				Store:         st,
				Pipeline:      pl,
				Broadcast:     bus,
				SelfURN:       st.SelfURN(),
				ServerVersion: store.SchemaVersion,
				InitialMode:   mode,
				SendCached:    q.Get("sendCachedValues") != "false",
				ServerEvents:  q.Get("serverevents") == "all",
				EventSource:   events,
				SendMeta:      q.Get("sendMeta") == "all",
				Logger:        logger,
			}
		},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		if mqttBridge != nil {
			_ = mqttBridge.Stop(shutdownCtx)
		}
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("signalkd stopped")
}

// openConfigStore selects the configstore backend per cfg.Driver.
func openConfigStore(cfg config.StorageConfig) (configstore.Backend, error) {
	switch cfg.Driver {
	case "sqlite3":
		return configstore.NewKVBackend(configstore.DriverCGO, cfg.DSN)
	case "sqlite":
		return configstore.NewKVBackend(configstore.DriverPure, cfg.DSN)
	default:
		return configstore.NewFSBackend(cfg.Root)
	}
}

// loadOrSeedVessel returns the persisted Vessel record, seeding one
// from seed (and persisting it) the first time the server runs.
func loadOrSeedVessel(backend configstore.Backend, seed config.VesselConfig) (configstore.Vessel, error) {
	v, err := backend.LoadVessel()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, configstore.ErrNotFound) {
		return configstore.Vessel{}, err
	}

	uuidStr := seed.UUID
	if uuidStr == "" {
		uuidStr = uuid.NewString()
	}
	v = configstore.Vessel{
		UUID: uuidStr,
		Name: seed.Name,
		MMSI: seed.MMSI,
	}
	if err := backend.SaveVessel(v); err != nil {
		return configstore.Vessel{}, fmt.Errorf("seed vessel record: %w", err)
	}
	return v, nil
}

// providerStatusSourceOrNil avoids handing serverevent a non-nil
// interface wrapping a nil *mqtt.Bridge, which would make its own
// nil check for "no providers configured" useless.
func providerStatusSourceOrNil(b *mqttprovider.Bridge) serverevent.ProviderStatusSource {
	if b == nil {
		return nil
	}
	return b
}

// runPruneSweep evicts stale per-source values on a fixed interval
// until ctx is cancelled.
func runPruneSweep(ctx context.Context, st *store.Store, intervalMinutes int, logger *slog.Logger) {
	if intervalMinutes <= 0 {
		return
	}
	interval := time.Duration(intervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := st.PruneStaleSources(interval)
			if evicted > 0 {
				logger.Info("pruned stale source values", "count", evicted, "older_than", interval)
			}
		}
	}
}
