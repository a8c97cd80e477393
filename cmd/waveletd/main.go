package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/devrev/waveletd/internal/config"
	"github.com/devrev/waveletd/internal/handler"
	"github.com/devrev/waveletd/internal/health"
	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/internal/notify"
	"github.com/devrev/waveletd/internal/server"
	"github.com/devrev/waveletd/internal/service"
	"github.com/devrev/waveletd/internal/signing"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/storage/diskmanager"
	"github.com/devrev/waveletd/internal/storage/filestore"
	"github.com/devrev/waveletd/internal/storage/kvstore"
	"github.com/devrev/waveletd/internal/storage/memstore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("backend", cfg.Storage.Backend))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	var disk *diskmanager.DiskManager
	if cfg.Storage.Backend != config.BackendMemory {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			logger.Fatal("Failed to create data directory", zap.Error(err))
		}
		disk, err = diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
			DataDir:                 cfg.Storage.DataDir,
			CheckInterval:           cfg.Storage.DiskCheckInterval,
			WarningThreshold:        cfg.Storage.WarningThreshold,
			ThrottleThreshold:       cfg.Storage.ThrottleThreshold,
			CircuitBreakerThreshold: cfg.Storage.CircuitBreakerThreshold,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize disk manager", zap.Error(err))
		}
		m.RegisterGaugeFunc("disk", "usage_percent", "Usage of the filesystem holding the data directory",
			func() float64 { return disk.GetDiskUsage().UsagePercent })
		m.RegisterGaugeFunc("disk", "available_bytes", "Free bytes on the filesystem holding the data directory",
			func() float64 { return float64(disk.GetDiskUsage().AvailableBytes) })
	}

	store, err := openStore(cfg, disk, logger)
	if err != nil {
		logger.Fatal("Failed to open delta store", zap.Error(err))
	}

	verifier, err := newVerifier(cfg.Signing, logger)
	if err != nil {
		logger.Fatal("Failed to initialize signing", zap.Error(err))
	}

	bus := notify.NewBus(logger)
	bus.Subscribe(notify.NewLoggingSubscriber(logger))

	svcCfg := service.DefaultConfig()
	svcCfg.SnapshotEvery = int(cfg.Wavelet.SnapshotEvery)
	svcCfg.LoadTimeout = cfg.Wavelet.LoadTimeout
	svcCfg.IdleTTL = cfg.Wavelet.IdleTTL
	svcCfg.MaxResident = cfg.Wavelet.MaxResident
	svcCfg.LoadWorkers = cfg.Wavelet.LoadWorkers
	svcCfg.PersistWorkers = cfg.Persistence.Workers
	svcCfg.PersistQueueSize = cfg.Persistence.QueueSize
	svcCfg.RequireSignatures = cfg.Wavelet.RequireSignatures
	svcCfg.EnforceAccess = *cfg.Wavelet.EnforceAccess
	svcCfg.StopTimeout = cfg.Server.ShutdownTimeout

	deps := service.Dependencies{
		Store:      store,
		Verifier:   verifier,
		Subscriber: bus,
		Metrics:    m,
		Logger:     logger,
	}
	if disk != nil {
		deps.Space = disk
	}
	waveSvc, err := service.NewWaveService(svcCfg, deps)
	if err != nil {
		logger.Fatal("Failed to initialize wave service", zap.Error(err))
	}

	healthCfg := &health.HealthCheckConfig{
		NodeID:   cfg.Server.NodeID,
		DataDir:  cfg.Storage.DataDir,
		Resident: func() (int, uint64) { return waveSvc.ResidentCount(), cfg.Wavelet.MaxResident },
	}
	if disk != nil {
		healthCfg.Disk = disk
	}
	checker := health.NewHealthChecker(healthCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Start(ctx)

	var admin *server.AdminServer
	if cfg.Metrics.Enabled {
		admin = server.NewAdminServer(&server.AdminServerConfig{Port: cfg.Metrics.Port}, waveSvc, checker, reg, logger)
		if err := admin.Start(); err != nil {
			logger.Fatal("Failed to start admin server", zap.Error(err))
		}
	}

	limiter := handler.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, m, logger)
	waveletHandler := handler.NewWaveletHandler(waveSvc, cfg.Server.MaxHistoryDeltas, logger)
	grpcServer := handler.NewGRPCServer(waveletHandler, limiter, m, logger,
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConnections)))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("Wavelet server starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", addr))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		checker.SetReadiness(false)
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		logger.Error("Failed to serve", zap.Error(err))
	}

	// Pending persistence completes before the store is closed
	if err := waveSvc.Close(); err != nil {
		logger.Error("Failed to close wave service", zap.Error(err))
	}

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to stop admin server", zap.Error(err))
		}
	}
	logger.Info("Wavelet server stopped")
}

// openStore opens the configured delta store backend
func openStore(cfg *config.Config, disk *diskmanager.DiskManager, logger *zap.Logger) (deltastore.DeltaStore, error) {
	var space diskmanager.SpaceChecker
	if disk != nil {
		space = disk
	}

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memstore.NewStore(), nil
	case config.BackendFile:
		return filestore.NewStore(filepath.Join(cfg.Storage.DataDir, "deltas"), space, logger)
	case config.BackendBadger:
		engine, err := kvstore.OpenBadger(filepath.Join(cfg.Storage.DataDir, "badger"), logger)
		if err != nil {
			return nil, err
		}
		return kvstore.NewStore(engine, space, logger), nil
	case config.BackendPebble:
		engine, err := kvstore.OpenPebble(filepath.Join(cfg.Storage.DataDir, "pebble"))
		if err != nil {
			return nil, err
		}
		return kvstore.NewStore(engine, space, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// newVerifier builds the signature verifier. The node's own key is trusted
// for its domain.
func newVerifier(cfg config.SigningConfig, logger *zap.Logger) (signing.Verifier, error) {
	if cfg.Mode == config.SigningNone {
		return signing.NoopVerifier{}, nil
	}

	ring := signing.NewKeyRing()
	for domain, keyHex := range cfg.Trusted {
		pub, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted key for %s: %w", domain, err)
		}
		ring.Trust(domain, pub)
	}

	if cfg.SeedHex != "" {
		signer, err := signing.NewEd25519SignerFromHex(cfg.SeedHex)
		if err != nil {
			return nil, err
		}
		ring.Trust(cfg.Domain, signer.PublicKey())
		logger.Info("Trusting local signing key",
			zap.String("domain", cfg.Domain),
			zap.String("public_key", hex.EncodeToString(signer.PublicKey())))
	}
	return ring, nil
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
