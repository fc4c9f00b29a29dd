// Package config handles configuration loading for the StereoPlan server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Atlas   AtlasConfig   `yaml:"atlas"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	History HistoryConfig `yaml:"history"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// AtlasConfig contains settings for the remote atlas API.
type AtlasConfig struct {
	BaseURL           string  `yaml:"base_url"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	UserAgent         string  `yaml:"user_agent"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageSizeMB     int `yaml:"image_size_mb"`
	ImageTTLMinutes int `yaml:"image_ttl_minutes"`
	QueryCacheSize  int `yaml:"query_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	MarkerRadius float64 `yaml:"marker_radius"`
}

// HistoryConfig contains plan history settings.
type HistoryConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			// 8888 is the default Jupyter port.
			CORSOrigins: []string{"http://localhost:8888", "http://localhost:3000"},
		},
		Atlas: AtlasConfig{
			BaseURL:           "http://labs.gaidi.ca/rat-brain-atlas/api.php",
			TimeoutSeconds:    30,
			UserAgent:         "stereoplan/1.0",
			RequestsPerSecond: 4,
			Burst:             8,
		},
		Cache: CacheConfig{
			ImageSizeMB:     256,
			ImageTTLMinutes: 60,
			QueryCacheSize:  1024,
		},
		Render: RenderConfig{
			MarkerRadius: 5,
		},
		History: HistoryConfig{
			SQLitePath:    "./data/plans.sqlite",
			RetentionDays: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Atlas.BaseURL == "" {
		cfg.Atlas.BaseURL = defaults.Atlas.BaseURL
	}
	if cfg.Atlas.TimeoutSeconds == 0 {
		cfg.Atlas.TimeoutSeconds = defaults.Atlas.TimeoutSeconds
	}
	if cfg.Atlas.UserAgent == "" {
		cfg.Atlas.UserAgent = defaults.Atlas.UserAgent
	}
	if cfg.Atlas.RequestsPerSecond == 0 {
		cfg.Atlas.RequestsPerSecond = defaults.Atlas.RequestsPerSecond
	}
	if cfg.Atlas.Burst == 0 {
		cfg.Atlas.Burst = defaults.Atlas.Burst
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.MarkerRadius == 0 {
		cfg.Render.MarkerRadius = defaults.Render.MarkerRadius
	}
	if cfg.History.SQLitePath == "" {
		cfg.History.SQLitePath = defaults.History.SQLitePath
	}
	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = defaults.History.RetentionDays
	}
}
