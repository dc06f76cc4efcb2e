// Package config loads the typed configuration schema. The spec's Open
// Question about two overlapping config systems is resolved in favor of
// this typed YAML schema; the two environment variables §6 names are the
// only documented override points.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full typed configuration tree for one Clio process.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Peers        []PeerConfig       `yaml:"peers"`
	ETL          ETLConfig          `yaml:"etl"`
	CacheLoader  CacheLoaderConfig  `yaml:"cache_loader"`
	RPC          RPCConfig          `yaml:"rpc"`
	DoSGuard     DoSGuardConfig     `yaml:"dos_guard"`
	Server       ServerConfig       `yaml:"server"`
	LogLevel     string             `yaml:"log_level"`
	NetworkID    uint32             `yaml:"network_id"`
}

type DatabaseConfig struct {
	URL                   string `yaml:"url"`
	KeyShift              uint   `yaml:"key_shift"`
	MaxWriteRequests      int    `yaml:"max_write_requests_outstanding"`
	MaxReadRequests       int    `yaml:"max_requests_outstanding"`
	KeepLedgers           uint32 `yaml:"keep_ledgers"`
	OnlineDeleteInterval  string `yaml:"online_delete_interval"`
}

type PeerConfig struct {
	Hostname string `yaml:"hostname"`
	WSPort   int    `yaml:"ws_port"`
	GRPCPort int    `yaml:"grpc_port"`
}

type ETLConfig struct {
	ExtractorThreads int    `yaml:"extractor_threads"`
	QueueDepth       int    `yaml:"queue_depth"`
	LeaseSeconds     int64  `yaml:"lease_seconds"`
	StartSequence    uint32 `yaml:"start_sequence"`
}

type CacheLoaderConfig struct {
	Style      string `yaml:"style"` // sync, async, none
	NumMarkers int    `yaml:"num_markers"`
	PageSize   int    `yaml:"page_size"`
}

type RPCConfig struct {
	Workers        int      `yaml:"workers"`
	QueueCapacity  int      `yaml:"queue_capacity"`
	DefaultVersion int      `yaml:"default_api_version"`
	MinVersion     int      `yaml:"min_api_version"`
	MaxVersion     int      `yaml:"max_api_version"`
	ForwardMethods []string `yaml:"forward_methods"`
	ForwardCacheTTL string  `yaml:"forward_cache_ttl"`
}

type DoSGuardConfig struct {
	SweepInterval string   `yaml:"sweep_interval"`
	MaxFetches    int      `yaml:"max_fetches"`
	MaxBytes      int64    `yaml:"max_bytes"`
	Whitelist     []string `yaml:"whitelist"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	AdminPassword   string `yaml:"admin_password"`
	AllowLocalAdmin bool   `yaml:"allow_local_admin"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
}

// Load reads and validates configuration from a YAML file at path, then
// applies the two documented environment-variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			KeyShift:             20,
			MaxWriteRequests:     10_000,
			MaxReadRequests:      10_000,
			KeepLedgers:          0,
			OnlineDeleteInterval: "10m",
		},
		ETL: ETLConfig{
			ExtractorThreads: 2,
			QueueDepth:       8,
			LeaseSeconds:     20,
		},
		CacheLoader: CacheLoaderConfig{
			Style:      "async",
			NumMarkers: 16,
			PageSize:   2000,
		},
		RPC: RPCConfig{
			Workers:         4,
			QueueCapacity:   1000,
			DefaultVersion:  2,
			MinVersion:      1,
			MaxVersion:      2,
			ForwardMethods:  []string{"submit", "fee", "ripple_path_find", "manifest", "channel_authorize", "channel_verify"},
			ForwardCacheTTL: "4s",
		},
		DoSGuard: DoSGuardConfig{
			SweepInterval: "1s",
			MaxFetches:    1024,
			MaxBytes:      4 * 1024 * 1024,
		},
		Server: ServerConfig{
			ListenAddr:     ":8080",
			MetricsEnabled: true,
		},
		LogLevel: "info",
	}
}

// applyEnvOverrides applies exactly the two variables §6 names, plus
// nothing else — any further tuning is a YAML-only concern.
func applyEnvOverrides(cfg *Config) {
	if lvl := os.Getenv("RIPPLED_REPORTING_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = strings.ToLower(lvl)
	}
	if url := os.Getenv("RIPPLED_REPORTING_DB_URL"); url != "" {
		cfg.Database.URL = url
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url is required")
	}
	if c.Database.KeyShift < 16 || c.Database.KeyShift > 24 {
		return fmt.Errorf("config: database.key_shift must be in [16,24], got %d", c.Database.KeyShift)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one peer is required")
	}
	if c.RPC.MinVersion > c.RPC.MaxVersion {
		return fmt.Errorf("config: rpc.min_api_version > rpc.max_api_version")
	}
	for name, s := range map[string]string{
		"database.online_delete_interval": c.Database.OnlineDeleteInterval,
		"rpc.forward_cache_ttl":           c.RPC.ForwardCacheTTL,
		"dos_guard.sweep_interval":        c.DoSGuard.SweepInterval,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// mustDuration parses a config-supplied duration string. Load rejects
// malformed durations, so it panics only on a string that never went
// through Load's validation (a programmer error, not a user-input error).
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: invalid built-in duration %q: %v", s, err))
	}
	return d
}

func (c DatabaseConfig) OnlineDeleteIntervalDuration() time.Duration {
	return mustDuration(c.OnlineDeleteInterval)
}

func (c RPCConfig) ForwardCacheTTLDuration() time.Duration {
	return mustDuration(c.ForwardCacheTTL)
}

func (c DoSGuardConfig) SweepIntervalDuration() time.Duration {
	return mustDuration(c.SweepInterval)
}
