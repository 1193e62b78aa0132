// Package config loads, validates and hot-reloads the processor's
// configuration file (JSON or YAML).
package config

import (
	"context"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`
	Sweep   SweepConfig   `json:"sweep,omitempty"`
	Notify  NotifyConfig  `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EngineConfig controls the per-definition timer engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type EngineConfig struct {
	// RetryBackoff is the delay before a failed materialization is retried.
	RetryBackoff string `json:"retry_backoff,omitempty"`
	// ResyncInterval is the periodic full reconverge against the store.
	// "0s" disables it.
	ResyncInterval string `json:"resync_interval,omitempty"`
}

// SweepConfig controls the batch delivery mode. Off by default; enable it
// only when running without the timer engine (or for catch-up after long
// downtime).
type SweepConfig struct {
	Enabled bool   `json:"enabled"`
	Every   string `json:"every,omitempty"`
}

// NotifyConfig controls out-of-band alert delivery.
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

var logLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks everything that can be checked without touching external
// systems. Used both at startup and as the reload gate, so a bad edit never
// replaces a good running config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); !logLevels[lvl] {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: required when file logging is enabled")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.retry_backoff", cfg.Engine.RetryBackoff); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.resync_interval", cfg.Engine.ResyncInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("sweep.every", cfg.Sweep.Every); err != nil {
		return err
	}
	if _, err := ParseDurationField("notify.retry_base", cfg.Notify.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay); err != nil {
		return err
	}
	if cfg.Notify.Enabled {
		if strings.TrimSpace(cfg.Notify.Token) == "" {
			return fmt.Errorf("notify.token: required when notify is enabled")
		}
		if cfg.Notify.ChatID == 0 {
			return fmt.Errorf("notify.chat_id: required when notify is enabled")
		}
	}
	return nil
}
