package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the feedbridge configuration
type Config struct {
	Ingest IngestConfig `yaml:"ingest" validate:"required"`
	Egress EgressConfig `yaml:"egress" validate:"required"`
	CRM    CRMConfig    `yaml:"crm"`
	Log    LogConfig    `yaml:"log"`
}

// IngestConfig controls the CSV-to-store stage
type IngestConfig struct {
	BatchSize  int    `yaml:"batch_size" validate:"gt=0"`
	NameColumn string `yaml:"name_column" validate:"required"`
	SexColumn  string `yaml:"sex_column" validate:"required"`
}

// EgressConfig controls the store-to-CRM stage
type EgressConfig struct {
	PageSize  int `yaml:"page_size" validate:"gt=0"`
	Cap       int `yaml:"cap" validate:"gt=0"`
	BatchSize int `yaml:"batch_size" validate:"gt=0,lte=100"`
}

// CRMConfig holds the remote endpoint settings. AccessToken is only
// required when the push command actually runs.
type CRMConfig struct {
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	AccessToken       string  `yaml:"access_token"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
}

// LogConfig controls log output
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
}

// Default returns the built-in configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			BatchSize:  500,
			NameColumn: "Name",
			SexColumn:  "Sex",
		},
		Egress: EgressConfig{
			PageSize:  1000,
			Cap:       10000,
			BatchSize: 100,
		},
		CRM: CRMConfig{
			BaseURL: "https://api.hubapi.com",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("FEEDBRIDGE_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "feedbridge"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("FEEDBRIDGE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Feedbridge"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "feedbridge"), nil
	}

	return filepath.Join(home, ".local", "share", "feedbridge"), nil
}

// Load loads config from the config file, falling back to defaults for any
// field the file does not set. The result is validated before being returned.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints (batch sizes positive, provider batch
// limit respected, sane log level).
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
