// Package config reads the gateway's tunables from environment variables
// at process start, following the teacher's flat os.Getenv style rather
// than a configuration framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable spec.md §6 enumerates.
type Config struct {
	ListenAddr string // host:port for the HTTP/WebSocket listener
	WSPath     string // WebSocket upgrade path, default /ws
	HealthPath string // health check path, default /health

	MaxSessions       int           // active_sessions ≤ MaxSessions
	SessionIdleTimeout time.Duration // reaper sweeps sessions idle beyond this

	MaxFrameBytes int64 // max incoming WebSocket frame size; outgoing messages are not size-checked

	MaxLineBytes   int64 // per-line cap for stdout/stderr
	MaxOutputBytes int64 // per-session total output cap

	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	MaxTimeout     time.Duration

	SIGKILLGrace time.Duration

	HeartbeatInterval time.Duration
	HeartbeatIdle     time.Duration

	HistoryStoreURL string // redis connection URL, empty disables history lookups

	MaxConcurrentHooks int

	LogLevel string
	Env      string // "dev" or "prod", controls log encoder + CORS
}

// Load builds a Config from the process environment, applying the
// documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         getString("CMDGATE_LISTEN_ADDR", "0.0.0.0:8003"),
		WSPath:             getString("CMDGATE_WS_PATH", "/ws"),
		HealthPath:         getString("CMDGATE_HEALTH_PATH", "/health"),
		MaxSessions:        100,
		SessionIdleTimeout: 30 * time.Minute,
		MaxFrameBytes:      10 * 1024 * 1024,
		MaxLineBytes:       8 * 1024,
		MaxOutputBytes:     8 * 1024 * 1024,
		DefaultTimeout:     5 * time.Minute,
		MinTimeout:         60 * time.Second,
		MaxTimeout:         time.Hour,
		SIGKILLGrace:       10 * time.Second,
		HeartbeatInterval:  20 * time.Second,
		HeartbeatIdle:      30 * time.Second,
		HistoryStoreURL:    getString("CMDGATE_HISTORY_STORE_URL", ""),
		MaxConcurrentHooks: 4,
		LogLevel:           getString("CMDGATE_LOG_LEVEL", "info"),
		Env:                getString("CMDGATE_ENV", "dev"),
	}

	var err error
	if cfg.MaxSessions, err = getInt("CMDGATE_MAX_SESSIONS", cfg.MaxSessions); err != nil {
		return nil, err
	}
	if cfg.SessionIdleTimeout, err = getDuration("CMDGATE_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxFrameBytes, err = getInt64("CMDGATE_MAX_FRAME_BYTES", cfg.MaxFrameBytes); err != nil {
		return nil, err
	}
	if cfg.MaxLineBytes, err = getInt64("CMDGATE_MAX_LINE_BYTES", cfg.MaxLineBytes); err != nil {
		return nil, err
	}
	if cfg.MaxOutputBytes, err = getInt64("CMDGATE_MAX_OUTPUT_BYTES", cfg.MaxOutputBytes); err != nil {
		return nil, err
	}
	if cfg.DefaultTimeout, err = getDuration("CMDGATE_DEFAULT_TIMEOUT", cfg.DefaultTimeout); err != nil {
		return nil, err
	}
	if cfg.MinTimeout, err = getDuration("CMDGATE_MIN_TIMEOUT", cfg.MinTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxTimeout, err = getDuration("CMDGATE_MAX_TIMEOUT", cfg.MaxTimeout); err != nil {
		return nil, err
	}
	if cfg.SIGKILLGrace, err = getDuration("CMDGATE_SIGKILL_GRACE", cfg.SIGKILLGrace); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getDuration("CMDGATE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.HeartbeatIdle, err = getDuration("CMDGATE_HEARTBEAT_IDLE", cfg.HeartbeatIdle); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentHooks, err = getInt("CMDGATE_MAX_CONCURRENT_HOOKS", cfg.MaxConcurrentHooks); err != nil {
		return nil, err
	}

	if cfg.MinTimeout > cfg.MaxTimeout {
		return nil, fmt.Errorf("config: CMDGATE_MIN_TIMEOUT (%s) exceeds CMDGATE_MAX_TIMEOUT (%s)", cfg.MinTimeout, cfg.MaxTimeout)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}
