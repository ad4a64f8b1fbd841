// Package config handles configuration loading for the sprite server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Jobs   JobsConfig   `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DataConfig contains volume source settings.
type DataConfig struct {
	// TemplateDir holds named background templates (NIfTI files).
	TemplateDir string `yaml:"template_dir"`
	// DefaultTemplate is the background used when a stat-map request
	// names none.
	DefaultTemplate string `yaml:"default_template"`
	// VolumeDir is the root for server-side volume references.
	VolumeDir string `yaml:"volume_dir"`
	// MaxSyncVoxels caps synchronous rendering; larger volumes must go
	// through the job queue.
	MaxSyncVoxels int `yaml:"max_sync_voxels"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	SpriteSizeMB     int `yaml:"sprite_size_mb"`
	SpriteTTLMinutes int `yaml:"sprite_ttl_minutes"`
	VolumeEntries    int `yaml:"volume_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	DefaultColormap string `yaml:"default_colormap"`
	DefaultFormat   string `yaml:"default_format"`
	NColors         int    `yaml:"n_colors"`
	Sampling        string `yaml:"sampling"`
}

// JobsConfig contains async render-job settings.
type JobsConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
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
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "NeuroSprite",
		},
		Data: DataConfig{
			TemplateDir:     "./data/templates",
			DefaultTemplate: "MNI152",
			VolumeDir:       "./data/volumes",
			MaxSyncVoxels:   256 * 256 * 256,
		},
		Cache: CacheConfig{
			SpriteSizeMB:     256,
			SpriteTTLMinutes: 10,
			VolumeEntries:    16,
		},
		Render: RenderConfig{
			DefaultColormap: "cold_hot",
			DefaultFormat:   "png",
			NColors:         256,
			Sampling:        "nearest",
		},
		Jobs: JobsConfig{
			SQLitePath:    "./data/jobs.db",
			MaxConcurrent: 2,
			RetentionDays: 7,
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
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Data.TemplateDir == "" {
		cfg.Data.TemplateDir = defaults.Data.TemplateDir
	}
	if cfg.Data.DefaultTemplate == "" {
		cfg.Data.DefaultTemplate = defaults.Data.DefaultTemplate
	}
	if cfg.Data.VolumeDir == "" {
		cfg.Data.VolumeDir = defaults.Data.VolumeDir
	}
	if cfg.Data.MaxSyncVoxels == 0 {
		cfg.Data.MaxSyncVoxels = defaults.Data.MaxSyncVoxels
	}
	if cfg.Cache.SpriteSizeMB == 0 {
		cfg.Cache.SpriteSizeMB = defaults.Cache.SpriteSizeMB
	}
	if cfg.Cache.SpriteTTLMinutes == 0 {
		cfg.Cache.SpriteTTLMinutes = defaults.Cache.SpriteTTLMinutes
	}
	if cfg.Cache.VolumeEntries == 0 {
		cfg.Cache.VolumeEntries = defaults.Cache.VolumeEntries
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.DefaultFormat == "" {
		cfg.Render.DefaultFormat = defaults.Render.DefaultFormat
	}
	if cfg.Render.NColors == 0 {
		cfg.Render.NColors = defaults.Render.NColors
	}
	if cfg.Render.Sampling == "" {
		cfg.Render.Sampling = defaults.Render.Sampling
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}
