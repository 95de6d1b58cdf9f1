package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	IndexPath       string `yaml:"index_path"`
	ReadTimeout     int    `yaml:"read_timeout"`     // seconds
	IdleTimeout     int    `yaml:"idle_timeout"`     // seconds
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// ArchiveConfig contains archive generation and streaming parameters
type ArchiveConfig struct {
	StorageDir   string   `yaml:"storage_dir"`
	Program      string   `yaml:"program"`
	Args         []string `yaml:"args"`
	ChunkSize    int      `yaml:"chunk_size"`    // bytes
	ChunkDelay   float64  `yaml:"chunk_delay"`   // seconds
	StallTimeout float64  `yaml:"stall_timeout"` // seconds, 0 disables
	StderrLimit  int      `yaml:"stderr_limit"`  // bytes
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			IndexPath:       "index.html",
			ReadTimeout:     10,
			IdleTimeout:     60,
			ShutdownTimeout: 10,
		},
		Archive: ArchiveConfig{
			StorageDir:   "test_photos",
			Program:      "zip",
			Args:         []string{"-q", "-r", "-j", "-", "{dir}"},
			ChunkSize:    64 * 1024,
			ChunkDelay:   0,
			StallTimeout: 30,
			StderrLimit:  16 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of every configuration section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.IndexPath == "" {
		return fmt.Errorf("index_path cannot be empty")
	}

	if s.ReadTimeout < 0 || s.IdleTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates archive configuration
func (a *ArchiveConfig) Validate() error {
	if a.StorageDir == "" {
		return fmt.Errorf("storage_dir cannot be empty")
	}

	if a.Program == "" {
		return fmt.Errorf("program cannot be empty")
	}

	hasDir := false
	for _, arg := range a.Args {
		if strings.Contains(arg, "{dir}") {
			hasDir = true
			break
		}
	}
	if !hasDir {
		return fmt.Errorf("args must reference the {dir} placeholder")
	}

	if a.ChunkSize < 1 || a.ChunkSize > 16*1024*1024 {
		return fmt.Errorf("chunk_size must be between 1 byte and 16 MiB, got %d", a.ChunkSize)
	}

	if a.ChunkDelay < 0 {
		return fmt.Errorf("chunk_delay cannot be negative, got %f", a.ChunkDelay)
	}

	if a.StallTimeout < 0 {
		return fmt.Errorf("stall_timeout cannot be negative, got %f", a.StallTimeout)
	}

	if a.StderrLimit < 0 {
		return fmt.Errorf("stderr_limit cannot be negative, got %d", a.StderrLimit)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json', 'text' or 'auto', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is treated as a file path.
	return nil
}

// Address returns the listen address in host:port form
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetReadTimeoutDuration returns the read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetChunkDelayDuration returns the per-chunk delay as a time.Duration
func (a *ArchiveConfig) GetChunkDelayDuration() time.Duration {
	return time.Duration(a.ChunkDelay * float64(time.Second))
}

// GetStallTimeoutDuration returns the per-chunk write deadline as a time.Duration
func (a *ArchiveConfig) GetStallTimeoutDuration() time.Duration {
	return time.Duration(a.StallTimeout * float64(time.Second))
}
