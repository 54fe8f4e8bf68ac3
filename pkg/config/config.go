// Package config loads server configuration from an optional YAML file,
// applying defaults for absent fields and environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config holds the full server configuration
type Config struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite database file
	DatabasePath string `yaml:"database_path"`

	// StagingDir holds uploaded and downloaded inputs awaiting processing.
	// Empty means the OS temp directory.
	StagingDir string `yaml:"staging_dir"`

	// QueueCapacity bounds the in-memory task queue. Admission is refused
	// once fewer than 5 free slots remain.
	QueueCapacity int `yaml:"queue_capacity"`

	// Workers is the number of transcription workers
	Workers int `yaml:"workers"`

	// TaskTimeoutSeconds is the wall-clock cap per task
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`

	// DefaultLanguage is applied when a request omits the language field
	DefaultLanguage string `yaml:"default_language"`

	// DefaultModelSize is applied when a request omits the model size
	DefaultModelSize string `yaml:"default_model_size"`

	// StrictMemoryCheck refuses model loads that would exceed available
	// memory instead of only warning. Overridden by STRICT_MEMORY_CHECK.
	StrictMemoryCheck bool `yaml:"strict_memory_check"`

	// EngineCommand is the external speech-recognition command invoked per
	// task. Empty disables transcription (tasks fail with a clear error).
	EngineCommand string `yaml:"engine_command"`

	Log LogConfig `yaml:"log"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		ListenAddr:         ":8000",
		DatabasePath:       "transcription.db",
		StagingDir:         "",
		QueueCapacity:      25,
		Workers:            3,
		TaskTimeoutSeconds: 7200,
		DefaultLanguage:    "uk",
		DefaultModelSize:   "large",
		StrictMemoryCheck:  false,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path on top of defaults. An empty path
// returns defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("STRICT_MEMORY_CHECK"); ok {
		c.StrictMemoryCheck = strings.ToLower(v) == "true"
	}
}

func (c *Config) validate() error {
	if c.QueueCapacity < 6 {
		return fmt.Errorf("queue_capacity must be at least 6, got %d", c.QueueCapacity)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.TaskTimeoutSeconds < 1 {
		return fmt.Errorf("task_timeout_seconds must be positive, got %d", c.TaskTimeoutSeconds)
	}
	return nil
}
