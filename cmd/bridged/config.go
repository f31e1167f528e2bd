package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/autobridge/autobridge/protocol"
)

// agentConfig is the resolved daemon configuration.
type agentConfig struct {
	Endpoint          string
	ProductAPI        string
	Secret            string
	LogLevel          string
	Codec             string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	ReconnectAttempts int
	CommandTimeout    time.Duration
}

// fileConfig mirrors the TOML file shape. Durations are parsed from
// strings so the file reads naturally ("30s", "3s").
type fileConfig struct {
	Endpoint          string `toml:"endpoint"`
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	Secure            bool   `toml:"secure"`
	ProductAPI        string `toml:"product_api"`
	Secret            string `toml:"secret"`
	LogLevel          string `toml:"log_level"`
	Codec             string `toml:"codec"`
	ConnectTimeout    string `toml:"connect_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	ReconnectInterval string `toml:"reconnect_interval"`
	ReconnectAttempts int    `toml:"reconnect_attempts"`
	CommandTimeout    string `toml:"command_timeout"`
}

func defaultConfig() agentConfig {
	return agentConfig{
		LogLevel:          "info",
		Codec:             "application/json",
		ReconnectAttempts: -1, // -1 means "use library default"
	}
}

// loadConfig reads and validates the TOML config at path.
func loadConfig(path string) (agentConfig, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agentConfig{}, fmt.Errorf("load config: %w", err)
	}

	switch {
	case meta.IsDefined("endpoint"):
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	case meta.IsDefined("host") && meta.IsDefined("port"):
		cfg.Endpoint = protocol.EndpointURL(strings.TrimSpace(raw.Host), raw.Port, raw.Secure)
	default:
		return agentConfig{}, fmt.Errorf("config must set endpoint, or host and port")
	}
	if _, err := protocol.ValidateEndpoint(cfg.Endpoint); err != nil {
		return agentConfig{}, err
	}

	if meta.IsDefined("product_api") {
		cfg.ProductAPI = strings.TrimSpace(raw.ProductAPI)
	}
	if cfg.ProductAPI == "" {
		return agentConfig{}, fmt.Errorf("config must set product_api")
	}

	if meta.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("codec") {
		cfg.Codec = normalizeCodec(raw.Codec)
	}
	if meta.IsDefined("reconnect_attempts") {
		if raw.ReconnectAttempts < 0 {
			return agentConfig{}, fmt.Errorf("reconnect_attempts must be >= 0")
		}
		cfg.ReconnectAttempts = raw.ReconnectAttempts
	}

	for _, d := range []struct {
		set   bool
		name  string
		value string
		dst   *time.Duration
	}{
		{meta.IsDefined("connect_timeout"), "connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{meta.IsDefined("heartbeat_interval"), "heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{meta.IsDefined("reconnect_interval"), "reconnect_interval", raw.ReconnectInterval, &cfg.ReconnectInterval},
		{meta.IsDefined("command_timeout"), "command_timeout", raw.CommandTimeout, &cfg.CommandTimeout},
	} {
		if !d.set {
			continue
		}
		dur, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return agentConfig{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		if dur <= 0 {
			return agentConfig{}, fmt.Errorf("%s must be positive", d.name)
		}
		*d.dst = dur
	}

	return cfg, nil
}

// normalizeCodec maps the short names the config file accepts onto the
// content types the codec registry is keyed by. Unrecognized values pass
// through and fail at registry lookup.
func normalizeCodec(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return "application/json"
	case "cbor":
		return "application/cbor"
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}
