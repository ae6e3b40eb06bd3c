package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the daemon's YAML configuration. Every field has a usable
// default so an empty (or missing) file starts a local instance.
type config struct {
	// Path is the capture directory.
	Path string `yaml:"path"`
	// RTMP is the base publishing URL; captures publish to <RTMP>/<id>.
	// Empty disables live publishing.
	RTMP string `yaml:"rtmp"`
	// Events enables out-of-band event notifications.
	Events bool `yaml:"events"`
	// HTTPAddr is the API listen address.
	HTTPAddr string `yaml:"http_addr"`
	// TLS serves the API over HTTPS with a self-signed certificate.
	TLS bool `yaml:"tls"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() config {
	return config{
		Path:     "./captures",
		HTTPAddr: ":8088",
		LogLevel: "info",
	}
}

// loadConfig reads a YAML config file; a missing path just yields the
// defaults so the daemon can run without one.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Path == "" {
		cfg.Path = defaultConfig().Path
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultConfig().HTTPAddr
	}
	return cfg, nil
}

func (c config) slogLevel() slog.Level {
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
