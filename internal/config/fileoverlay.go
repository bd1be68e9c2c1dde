package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"
)

// LoadFileOverlay reads an optional YAML/JSON/TOML config file and applies
// any keys it sets on top of cfg. Callers build cfg from the CMDGATE_* env
// vars first (Load) and apply the overlay after that, so a key set in the
// file replaces the value taken from the environment. Grounded on the kandev gateway's viper-based Config
// loading (internal/common/config), adapted from a mandatory nested
// struct bind into an optional flat overlay matching this gateway's env-var
// shape.
//
// An absent file is not an error — the overlay is opt-in.
func LoadFileOverlay(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	if v.IsSet("listen_addr") {
		cfg.ListenAddr = v.GetString("listen_addr")
	}
	if v.IsSet("ws_path") {
		cfg.WSPath = v.GetString("ws_path")
	}
	if v.IsSet("health_path") {
		cfg.HealthPath = v.GetString("health_path")
	}
	if v.IsSet("max_sessions") {
		cfg.MaxSessions = v.GetInt("max_sessions")
	}
	if v.IsSet("session_idle_timeout") {
		cfg.SessionIdleTimeout = v.GetDuration("session_idle_timeout")
	}
	if v.IsSet("max_frame_bytes") {
		cfg.MaxFrameBytes = v.GetInt64("max_frame_bytes")
	}
	if v.IsSet("max_line_bytes") {
		cfg.MaxLineBytes = v.GetInt64("max_line_bytes")
	}
	if v.IsSet("max_output_bytes") {
		cfg.MaxOutputBytes = v.GetInt64("max_output_bytes")
	}
	if v.IsSet("default_timeout") {
		cfg.DefaultTimeout = v.GetDuration("default_timeout")
	}
	if v.IsSet("min_timeout") {
		cfg.MinTimeout = v.GetDuration("min_timeout")
	}
	if v.IsSet("max_timeout") {
		cfg.MaxTimeout = v.GetDuration("max_timeout")
	}
	if v.IsSet("sigkill_grace") {
		cfg.SIGKILLGrace = v.GetDuration("sigkill_grace")
	}
	if v.IsSet("history_store_url") {
		cfg.HistoryStoreURL = v.GetString("history_store_url")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}

	if cfg.MinTimeout > cfg.MaxTimeout {
		return fmt.Errorf("config: min_timeout (%s) exceeds max_timeout (%s) after applying %s", cfg.MinTimeout, cfg.MaxTimeout, path)
	}
	return nil
}
