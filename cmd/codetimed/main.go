package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/p-blackswan/codetime/internal/api"
	"github.com/p-blackswan/codetime/internal/config"
	"github.com/p-blackswan/codetime/internal/engine"
	"github.com/p-blackswan/codetime/internal/metrics"
	"github.com/p-blackswan/codetime/internal/remote"
	"github.com/p-blackswan/codetime/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()
	log.Logger = logger

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("state_backend", cfg.StateBackend).
		Bool("remote_enabled", cfg.RemoteEnabled()).
		Dur("sync_interval", cfg.EffectiveSyncInterval()).
		Msg("starting codetime daemon")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	backend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state backend")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error().Err(err).Msg("state backend close error")
		}
	}()

	m := metrics.New()
	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Backend:  backend,
		Notifier: remote.LogNotifier{Logger: logger},
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}
	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		Token:      cfg.LocalAPIToken,
	}, eng, eng.Health(), m, logger)

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("local API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("local API server shutdown error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("codetime daemon stopped")
}

// newLogger writes JSON to stdout, or to the console in development, and
// also to a rotated log file when one is configured.
func newLogger(cfg *config.Config) (zerolog.Logger, func()) {
	var out io.Writer = os.Stdout
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	closeFn := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    5, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		out = zerolog.MultiLevelWriter(out, file)
		closeFn = func() { _ = file.Close() }
	}
	return zerolog.New(out).With().Timestamp().Caller().Logger(), closeFn
}

func openBackend(cfg *config.Config, logger zerolog.Logger) (store.Backend, error) {
	if cfg.StateBackend == config.BackendFile {
		return store.NewFileDocuments(cfg.StateDir, logger)
	}
	return store.New(cfg.DBPath, logger)
}
