// Package config provides configuration loading and management for neuropipe.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Server parameters
	Server struct {
		// Port is the HTTP listen port
		Port int `yaml:"port"`

		// FrontendURL is the origin allowed by CORS
		FrontendURL string `yaml:"frontendURL"`
	} `yaml:"server"`

	// Database parameters
	Database struct {
		// Driver selects the SQL backend, "postgres" or "mysql"
		Driver   string `yaml:"driver"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	// Pipeline parameters
	Pipeline struct {
		// Workers is the fixed size of the batch worker pool
		Workers int `yaml:"workers"`

		// DataDir is where raw volumes are stored
		DataDir string `yaml:"dataDir"`

		// SmoothingSigma is the Gaussian kernel width in voxels for the
		// final smoothing step
		SmoothingSigma float64 `yaml:"smoothingSigma"`
	} `yaml:"pipeline"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 5000
	cfg.Server.FrontendURL = "http://localhost:3000"

	cfg.Database.Driver = "postgres"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "neuropipe"
	cfg.Database.Name = "neuroimaging_dashboard"
	cfg.Database.SSLMode = "disable"

	cfg.Pipeline.Workers = runtime.NumCPU() // one job per core by default
	cfg.Pipeline.DataDir = "data"
	cfg.Pipeline.SmoothingSigma = 1.0

	cfg.Logging.Level = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// PostgresDSN builds a lib/pq connection string from the database section
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// MySQLDSN builds a go-sql-driver/mysql connection string from the database section
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}
