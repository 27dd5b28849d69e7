package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds all configuration options
type Config struct {
	// Server config
	Socket     string `long:"socket" env:"FPRINT_SOCKET" default:"/run/fprint/fprint.sock" description:"Unix socket to serve clients on"`
	StatusAddr string `long:"status-addr" env:"STATUS_ADDR" description:"Address for the HTTP status endpoints (leave empty to disable)"`
	LogLevel   string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	Testing    bool   `long:"testing" env:"FPRINT_TESTING" description:"Allow clients to inject driver events into virtual devices"`

	// Lifetime
	IdleTimeout time.Duration `long:"idle-timeout" env:"IDLE_TIMEOUT" default:"30s" description:"Exit after this long with no claimed devices"`
	NoTimeout   bool          `long:"no-timeout" env:"NO_TIMEOUT" description:"Never exit when idle"`

	// Devices and permissions
	Policy  string `long:"policy" env:"FPRINT_POLICY" description:"YAML authorization policy file (leave empty for the built-in policy)"`
	Devices string `long:"devices" env:"FPRINT_DEVICES" description:"YAML device definitions (leave empty for a single virtual device)"`

	// Storage config
	StorageMode string `long:"storage-mode" env:"STORAGE_MODE" default:"filesystem" choice:"filesystem" choice:"s3" choice:"redis" choice:"memory" description:"Print storage backend"`

	// Filesystem storage
	StateDir string `long:"state-dir" env:"STATE_DIRECTORY" default:"/var/lib/fprint" description:"Filesystem storage directory"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"fprint" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
		Prefix   string `long:"redis-prefix" env:"REDIS_PREFIX" default:"fprint:" description:"Key prefix for stored prints"`
	} `group:"Redis Options"`
}

// LoadConfig parses configuration from environment variables and command line flags
func LoadConfig(args []string) (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

func (c *Config) level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
