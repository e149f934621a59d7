// Package config loads the orchestrator's config.toml into a typed
// struct via BurntSushi/toml.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full set of knobs config.toml may set. Every field has a
// zero-value-safe default applied by Default, so a missing config.toml
// (or a partial one) still boots a usable server.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Store      StoreConfig      `toml:"store"`
	Run        RunConfig        `toml:"run"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Scavenger  ScavengerConfig  `toml:"scavenger"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	EnableMetrics bool   `toml:"enable_metrics"`
}

// StoreConfig controls the sqlite-backed Store.
type StoreConfig struct {
	DSN string `toml:"dsn"`
}

// RunConfig controls RunRegistry's per-user and write-through defaults.
type RunConfig struct {
	// DefaultMachineLimit is loaded but not read by any component; the
	// dispatcher applies domain.DefaultMachineLimit to users without a limit.
	DefaultMachineLimit int `toml:"default_machine_limit"`
	// FlushIntervalSeconds is the coalescing-flush period (1s by
	// default), overridable for slower/faster hardware.
	FlushIntervalSeconds int `toml:"flush_interval_seconds"`
}

// DispatcherConfig controls the candidate-list cache and admission cap.
type DispatcherConfig struct {
	CacheTTLSeconds    int `toml:"cache_ttl_seconds"`
	ConcurrentRequests int `toml:"concurrent_requests"`
}

// ScavengerConfig controls the stale-task reclaim loop.
type ScavengerConfig struct {
	ScanIntervalSeconds int `toml:"scan_interval_seconds"`
	StaleAfterSeconds   int `toml:"stale_after_seconds"`
}

// Default returns the out-of-the-box configuration every component's own
// DefaultConfig() already encodes, so Load never has to special-case a
// missing file.
func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: ":8080", EnableMetrics: true},
		Store:  StoreConfig{DSN: "fishtest.db"},
		Run: RunConfig{
			DefaultMachineLimit:  16,
			FlushIntervalSeconds: 1,
		},
		Dispatcher: DispatcherConfig{
			CacheTTLSeconds:    60,
			ConcurrentRequests: 4,
		},
		Scavenger: ScavengerConfig{
			ScanIntervalSeconds: 60,
			StaleAfterSeconds:   1800,
		},
	}
}

// Load decodes path into Default()'s base configuration, so any table or
// field the file omits falls back to the built-in default rather than a
// Go zero value (an empty listen_addr, a 0-second flush interval, etc.).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

func (c RunConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

func (c DispatcherConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c ScavengerConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

func (c ScavengerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}
