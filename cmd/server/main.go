package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"settlepos/backend/internal/cache"
	"settlepos/backend/internal/config"
	"settlepos/backend/internal/httpapi"
	"settlepos/backend/internal/obs"
	"settlepos/backend/internal/service"
	"settlepos/backend/internal/store"
	"settlepos/backend/internal/store/memory"
	pgstore "settlepos/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)
	log.Logger = logger

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics("settlepos", reg)

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("postgres migration failed")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info().Str("repository", "postgres").Msg("repository ready")
	} else {
		repo = memory.NewSeeded()
		logger.Info().Str("repository", "memory").Msg("repository ready")
	}

	snapshots := cache.SnapshotCache(cache.NoopSnapshotCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSnapshotCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, using noop cache")
			_ = redisCache.Close()
		} else {
			snapshots = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info().Str("cache", "redis").Msg("snapshot cache ready")
		}
	} else {
		logger.Info().Str("cache", "noop").Msg("snapshot cache ready")
	}

	svc := service.New(repo, snapshots, service.Options{
		SnapshotTTL: time.Duration(cfg.SnapshotTTLSeconds) * time.Second,
		Logger:      &logger,
		Metrics:     metrics,
	})
	if err := svc.Warm(ctx, cfg.DefaultWarehouseID); err != nil {
		logger.Warn().Err(err).Str("warehouse_id", cfg.DefaultWarehouseID).Msg("snapshot warm-up failed")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, httpapi.Options{
		Logger:   &logger,
		Metrics:  metrics,
		Gatherer: reg,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          stdLogger(logger),
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("settlement engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error().Err(err).Msg("close error")
		}
	}

	logger.Info().Msg("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

var weakPINs = map[string]bool{
	"121212": true, "112233": true, "123123": true, "696969": true,
}

// validatePINStrength rejects repeated digits, straight runs such as 123456
// or 987654, and a short list of commonly guessed PINs.
func validatePINStrength(pin string) error {
	if weakPINs[pin] {
		return errors.New("common PIN not allowed")
	}

	same, up, down := true, true, true
	for i := 1; i < len(pin); i++ {
		step := int(pin[i]) - int(pin[i-1])
		same = same && step == 0
		up = up && step == 1
		down = down && step == -1
	}
	switch {
	case same:
		return errors.New("all-same-digit PIN not allowed")
	case up, down:
		return errors.New("sequential PIN not allowed")
	}
	return nil
}

// stdLogger routes net/http's internal errors through zerolog.
func stdLogger(logger zerolog.Logger) *stdlog.Logger {
	return stdlog.New(logger.With().Str("component", "http.server").Logger(), "", 0)
}
