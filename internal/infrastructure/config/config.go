package config

import (
	"errors"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App struct {
		MetricsAddr string `toml:"metrics_addr"`
	} `toml:"app"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		Prefix   string `toml:"prefix"`
	} `toml:"redis"`

	Queue struct {
		Stream   string `toml:"stream"`
		Group    string `toml:"group"`
		Consumer string `toml:"consumer"`
	} `toml:"queue"`

	Worker struct {
		Concurrency    int `toml:"concurrency"`
		RateMax        int `toml:"rate_max"`
		RateIntervalMs int `toml:"rate_interval_ms"`
		DedupeTTLSec   int `toml:"dedupe_ttl_sec"`
	} `toml:"worker"`

	Digest struct {
		Compression     int `toml:"compression"`
		CacheSize       int `toml:"cache_size"`
		SnapshotTTLSec  int `toml:"snapshot_ttl_sec"`
		PersistEverySec int `toml:"persist_every_sec"`
	} `toml:"digest"`

	Features struct {
		CacheTTLSec int `toml:"cache_ttl_sec"`
	} `toml:"features"`

	Publisher struct {
		Stream           string `toml:"stream"`
		MaxAttempts      int    `toml:"max_attempts"`
		InitialBackoffMs int    `toml:"initial_backoff_ms"`
		KeepCompleted    int64  `toml:"keep_completed"`
		KeepFailed       int64  `toml:"keep_failed"`
	} `toml:"publisher"`

	Ingest struct {
		Enabled bool   `toml:"enabled"`
		WsURL   string `toml:"ws_url"`
	} `toml:"ingest"`

	Archive struct {
		Backend     string `toml:"backend"` // "", "sqlite" or "postgres"
		SQLitePath  string `toml:"sqlite_path"`
		PostgresDSN string `toml:"postgres_dsn"`
	} `toml:"archive"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "featflow"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = cfg.Redis.Prefix + ":jobs"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "feature-workers"
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 20
	}
	if cfg.Worker.RateMax <= 0 {
		cfg.Worker.RateMax = 100
	}
	if cfg.Worker.RateIntervalMs <= 0 {
		cfg.Worker.RateIntervalMs = 1000
	}
	if cfg.Worker.DedupeTTLSec <= 0 {
		cfg.Worker.DedupeTTLSec = 3600
	}
	if cfg.Digest.Compression <= 0 {
		cfg.Digest.Compression = 100
	}
	if cfg.Digest.CacheSize <= 0 {
		cfg.Digest.CacheSize = 4096
	}
	if cfg.Digest.SnapshotTTLSec <= 0 {
		cfg.Digest.SnapshotTTLSec = 7 * 24 * 3600
	}
	if cfg.Digest.PersistEverySec <= 0 {
		cfg.Digest.PersistEverySec = 60
	}
	if cfg.Features.CacheTTLSec <= 0 {
		cfg.Features.CacheTTLSec = 300
	}
	if cfg.Publisher.Stream == "" {
		cfg.Publisher.Stream = cfg.Redis.Prefix + ":scoring"
	}
	if cfg.Publisher.MaxAttempts <= 0 {
		cfg.Publisher.MaxAttempts = 3
	}
	if cfg.Publisher.InitialBackoffMs <= 0 {
		cfg.Publisher.InitialBackoffMs = 1000
	}
	if cfg.Publisher.KeepCompleted <= 0 {
		cfg.Publisher.KeepCompleted = 100
	}
	if cfg.Publisher.KeepFailed <= 0 {
		cfg.Publisher.KeepFailed = 50
	}
	if cfg.Archive.Backend == "sqlite" && cfg.Archive.SQLitePath == "" {
		cfg.Archive.SQLitePath = "data/featflow.db"
	}
}

func validate(cfg *Config) error {
	if cfg.Ingest.Enabled && strings.TrimSpace(cfg.Ingest.WsURL) == "" {
		return errors.New("ingest.ws_url empty but enabled")
	}
	switch cfg.Archive.Backend {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Archive.PostgresDSN) == "" {
			return errors.New("archive.postgres_dsn empty but backend is postgres")
		}
	default:
		return errors.New("archive.backend must be empty, sqlite or postgres")
	}
	return nil
}
