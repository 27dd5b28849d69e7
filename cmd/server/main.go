package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andyleap/fprint/internal/api"
	"github.com/andyleap/fprint/internal/auth"
	"github.com/andyleap/fprint/internal/driver"
	"github.com/andyleap/fprint/internal/events"
	"github.com/andyleap/fprint/internal/registry"
	"github.com/andyleap/fprint/internal/storage"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup print storage
	var printStore storage.PrintStore
	switch cfg.StorageMode {
	case "s3":
		s3Storage, err := storage.NewS3Storage(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL, logger)
		if err != nil {
			slog.Error("Failed to create S3 storage", "error", err)
			os.Exit(1)
		}
		printStore = s3Storage
		slog.Info("Using S3 storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsStorage, err := storage.NewFilesystemStorage(cfg.StateDir, logger)
		if err != nil {
			slog.Error("Failed to create filesystem storage", "error", err)
			os.Exit(1)
		}
		printStore = fsStorage
		slog.Info("Using filesystem storage", "path", cfg.StateDir)
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		// Test Redis connection
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}

		printStore = storage.NewRedisStorage(redisClient, cfg.Redis.Prefix)
		slog.Info("Using Redis storage", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	case "memory":
		printStore = storage.NewMemoryStorage()
		slog.Warn("Using in-memory storage (prints are lost on exit)")
	default:
		slog.Error("Invalid STORAGE_MODE", "mode", cfg.StorageMode, "valid_modes", []string{"filesystem", "s3", "redis", "memory"})
		os.Exit(1)
	}

	authority, err := loadAuthority(cfg.Policy)
	if err != nil {
		slog.Error("Failed to load policy", "error", err)
		os.Exit(1)
	}

	devices, err := LoadDevices(cfg.Devices)
	if err != nil {
		slog.Error("Failed to load devices", "error", err)
		os.Exit(1)
	}

	// Setup services
	hub := events.NewHub(logger)
	reg := registry.New(auth.NewGate(authority, logger), printStore, hub, logger)
	for _, deviceCfg := range devices {
		reg.Add(driver.NewVirtual(deviceCfg))
	}

	server := api.NewServer(cfg.Socket, reg, hub, logger)
	if cfg.Testing {
		server.EnableTesting()
		slog.Warn("Testing mode enabled, clients may inject driver events")
	}

	if !cfg.NoTimeout {
		watchIdle(ctx, reg, cfg.IdleTimeout, stop)
	}

	if cfg.StatusAddr != "" {
		statusServer := &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: api.NewStatusHandlers(reg).Routes(),
		}
		go func() {
			slog.Info("Status endpoints listening", "addr", cfg.StatusAddr)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			statusServer.Shutdown(shutdownCtx)
		}()
	}

	if err := server.Serve(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

// watchIdle calls exit once no device has been in use for timeout.
// The countdown starts now unless a device is already in use, and
// restarts whenever the last device goes idle.
func watchIdle(ctx context.Context, reg *registry.Registry, timeout time.Duration, exit func()) {
	timer := time.AfterFunc(timeout, func() {
		slog.Info("Idle timeout reached, exiting", "timeout", timeout)
		exit()
	})
	reg.Watch(func(inUse bool) {
		if inUse {
			timer.Stop()
		} else {
			timer.Reset(timeout)
		}
	})
	if reg.InUse() {
		timer.Stop()
	}
	context.AfterFunc(ctx, func() { timer.Stop() })
}
