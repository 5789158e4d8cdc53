// Package config loads, validates and serialises the broker's
// configuration: a JSON, TOML, or YAML file (selected by extension),
// overridden by BCON_-prefixed environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/bcon/bcon-server/internal/bconerr"
)

// RateLimits mirrors the rate limiter's tunables in config-file shape.
type RateLimits struct {
	GuestRequestsPerMinute                  uint32 `json:"guest_requests_per_minute" toml:"guest_requests_per_minute" yaml:"guest_requests_per_minute"`
	PlayerRequestsPerMinute                 uint32 `json:"player_requests_per_minute" toml:"player_requests_per_minute" yaml:"player_requests_per_minute"`
	AdminRequestsPerMinute                  uint32 `json:"admin_requests_per_minute" toml:"admin_requests_per_minute" yaml:"admin_requests_per_minute"`
	SystemRequestsPerMinute                 uint32 `json:"system_requests_per_minute" toml:"system_requests_per_minute" yaml:"system_requests_per_minute"`
	UnauthenticatedAdapterAttemptsPerMinute uint32 `json:"unauthenticated_adapter_attempts_per_minute" toml:"unauthenticated_adapter_attempts_per_minute" yaml:"unauthenticated_adapter_attempts_per_minute"`
	WindowDurationSeconds                   uint64 `json:"window_duration_seconds" toml:"window_duration_seconds" yaml:"window_duration_seconds"`
	BanThreshold                            uint32 `json:"ban_threshold" toml:"ban_threshold" yaml:"ban_threshold"`
	BanDurationHours                        uint32 `json:"ban_duration_hours" toml:"ban_duration_hours" yaml:"ban_duration_hours"`
}

// ServerInfo is cosmetic metadata surfaced to clients and to
// --generate-config's example configuration.
type ServerInfo struct {
	Name             string `json:"name" toml:"name" yaml:"name"`
	Description      string `json:"description" toml:"description" yaml:"description"`
	URL              string `json:"url" toml:"url" yaml:"url"`
	MinecraftVersion string `json:"minecraft_version" toml:"minecraft_version" yaml:"minecraft_version"`
}

// Config is the broker's full configuration.
type Config struct {
	AdapterPort               int        `json:"adapter_port" toml:"adapter_port" yaml:"adapter_port"`
	ClientPort                int        `json:"client_port" toml:"client_port" yaml:"client_port"`
	AdapterSecret             string     `json:"adapter_secret" toml:"adapter_secret" yaml:"adapter_secret"`
	ClientSecret              string     `json:"client_secret" toml:"client_secret" yaml:"client_secret"`
	RateLimits                RateLimits `json:"rate_limits" toml:"rate_limits" yaml:"rate_limits"`
	AllowedOrigins            []string   `json:"allowed_origins" toml:"allowed_origins" yaml:"allowed_origins"`
	HeartbeatIntervalSeconds  int        `json:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	ConnectionTimeoutSeconds  int        `json:"connection_timeout_seconds" toml:"connection_timeout_seconds" yaml:"connection_timeout_seconds"`
	LogLevel                  string     `json:"log_level" toml:"log_level" yaml:"log_level"`
	ServerInfo                ServerInfo `json:"server_info" toml:"server_info" yaml:"server_info"`
}

// Default returns the broker's built-in defaults, matching
// internal/ratelimit.DefaultConfig for the embedded rate-limit table.
func Default() Config {
	return Config{
		AdapterPort:   8082,
		ClientPort:    8081,
		AdapterSecret: generateSecret(),
		ClientSecret:  generateSecret(),
		RateLimits: RateLimits{
			GuestRequestsPerMinute:                  30,
			PlayerRequestsPerMinute:                 120,
			AdminRequestsPerMinute:                  300,
			SystemRequestsPerMinute:                 1000,
			UnauthenticatedAdapterAttemptsPerMinute: 5,
			WindowDurationSeconds:                   60,
			BanThreshold:                            50,
			BanDurationHours:                        24,
		},
		AllowedOrigins:           []string{"*"},
		HeartbeatIntervalSeconds: 30,
		ConnectionTimeoutSeconds: 300,
		LogLevel:                 "info",
		ServerInfo: ServerInfo{
			Name:        "Bcon Server",
			Description: "Bcon WebSocket broker",
		},
	}
}

func generateSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// LoadFile reads path and unmarshals it by extension: .json, .toml, or
// .yaml/.yml.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, bconerr.ConfigErr("failed to read config file " + path + ": " + err.Error())
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, bconerr.ConfigErr("invalid JSON config: " + err.Error())
		}
	case ".toml":
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return cfg, bconerr.ConfigErr("invalid TOML config: " + err.Error())
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, bconerr.ConfigErr("invalid YAML config: " + err.Error())
		}
	default:
		return cfg, bconerr.ConfigErr("unrecognised config file extension (want .json, .toml, .yaml, or .yml): " + path)
	}
	return cfg, nil
}

// SaveToFile writes cfg to path in the format implied by its extension.
func (c Config) SaveToFile(path string) error {
	var out []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		out, err = json.MarshalIndent(c, "", "  ")
	case ".toml":
		out, err = toml.Marshal(c)
	case ".yaml", ".yml":
		out, err = yaml.Marshal(c)
	default:
		return bconerr.ConfigErr("unrecognised config file extension: " + path)
	}
	if err != nil {
		return bconerr.ConfigErr("failed to serialise config: " + err.Error())
	}
	return os.WriteFile(path, out, 0o600)
}

// ApplyEnvOverrides applies BCON_-prefixed upper-case environment
// variables on top of the file-loaded values.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv("BCON_" + key); v != "" {
			*dst = v
		}
	}
	intv := func(key string, dst *int) {
		if v := getenv("BCON_" + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	uintv := func(key string, dst *uint32) {
		if v := getenv("BCON_" + key); v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				*dst = uint32(n)
			}
		}
	}
	uint64v := func(key string, dst *uint64) {
		if v := getenv("BCON_" + key); v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	intv("ADAPTER_PORT", &c.AdapterPort)
	intv("CLIENT_PORT", &c.ClientPort)
	str("ADAPTER_SECRET", &c.AdapterSecret)
	str("CLIENT_SECRET", &c.ClientSecret)
	uintv("RATE_LIMITS_GUEST_REQUESTS_PER_MINUTE", &c.RateLimits.GuestRequestsPerMinute)
	uintv("RATE_LIMITS_PLAYER_REQUESTS_PER_MINUTE", &c.RateLimits.PlayerRequestsPerMinute)
	uintv("RATE_LIMITS_ADMIN_REQUESTS_PER_MINUTE", &c.RateLimits.AdminRequestsPerMinute)
	uintv("RATE_LIMITS_SYSTEM_REQUESTS_PER_MINUTE", &c.RateLimits.SystemRequestsPerMinute)
	uintv("RATE_LIMITS_UNAUTHENTICATED_ADAPTER_ATTEMPTS_PER_MINUTE", &c.RateLimits.UnauthenticatedAdapterAttemptsPerMinute)
	uint64v("RATE_LIMITS_WINDOW_DURATION_SECONDS", &c.RateLimits.WindowDurationSeconds)
	uintv("RATE_LIMITS_BAN_THRESHOLD", &c.RateLimits.BanThreshold)
	uintv("RATE_LIMITS_BAN_DURATION_HOURS", &c.RateLimits.BanDurationHours)
	if v := getenv("BCON_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	intv("HEARTBEAT_INTERVAL_SECONDS", &c.HeartbeatIntervalSeconds)
	intv("CONNECTION_TIMEOUT_SECONDS", &c.ConnectionTimeoutSeconds)
	str("LOG_LEVEL", &c.LogLevel)
	str("SERVER_INFO_NAME", &c.ServerInfo.Name)
	str("SERVER_INFO_DESCRIPTION", &c.ServerInfo.Description)
	str("SERVER_INFO_URL", &c.ServerInfo.URL)
	str("SERVER_INFO_MINECRAFT_VERSION", &c.ServerInfo.MinecraftVersion)
}

var validLogLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate enforces the same configuration-validity rules the broker
// checks at startup before binding any port.
func (c Config) Validate() error {
	if c.AdapterPort == c.ClientPort {
		return bconerr.ConfigErr("adapter_port and client_port must differ")
	}
	if c.AdapterPort < 1024 || c.ClientPort < 1024 {
		return bconerr.ConfigErr("adapter_port and client_port must be >= 1024")
	}
	if len(c.AdapterSecret) < 32 || len(c.ClientSecret) < 32 {
		return bconerr.ConfigErr("adapter_secret and client_secret must each be at least 32 bytes")
	}
	if c.AdapterSecret == c.ClientSecret {
		return bconerr.ConfigErr("adapter_secret and client_secret must be distinct")
	}
	if c.HeartbeatIntervalSeconds < 5 {
		return bconerr.ConfigErr("heartbeat_interval_seconds must be >= 5")
	}
	if c.ConnectionTimeoutSeconds < 30 {
		return bconerr.ConfigErr("connection_timeout_seconds must be >= 30")
	}
	rl := c.RateLimits
	if rl.GuestRequestsPerMinute == 0 {
		return bconerr.ConfigErr("rate_limits.guest_requests_per_minute must be > 0")
	}
	if !(rl.GuestRequestsPerMinute <= rl.PlayerRequestsPerMinute &&
		rl.PlayerRequestsPerMinute <= rl.AdminRequestsPerMinute &&
		rl.AdminRequestsPerMinute <= rl.SystemRequestsPerMinute) {
		return bconerr.ConfigErr("rate limits must be non-decreasing: guest <= player <= admin <= system")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return bconerr.ConfigErr("log_level must be one of trace, debug, info, warn, error")
	}
	return nil
}

// Summary renders a short human-readable description of cfg, mirroring
// the original's startup print_summary step.
func (c Config) Summary() string {
	return fmt.Sprintf(
		"adapter_port=%d client_port=%d log_level=%s heartbeat=%ds timeout=%ds ban_threshold=%d ban_duration=%dh",
		c.AdapterPort, c.ClientPort, c.LogLevel,
		c.HeartbeatIntervalSeconds, c.ConnectionTimeoutSeconds,
		c.RateLimits.BanThreshold, c.RateLimits.BanDurationHours,
	)
}

// ExampleForGenerate returns the example configuration written by
// --generate-config. SaveToFile writes it as plain JSON, TOML or YAML
// values; the file carries no explanatory comments. Its ban_threshold of
// 100 is deliberately more
// permissive than Default's 50: a starting point meant for production
// tuning, not the fallback used when no file is present at all.
func ExampleForGenerate() Config {
	c := Default()
	c.RateLimits.BanThreshold = 100
	c.ServerInfo.Description = "Example configuration generated by --generate-config"
	return c
}
