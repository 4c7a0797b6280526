package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole program configuration. Everything has a working
// default; a YAML file overlays the defaults field by field.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	BackupRoot   string `yaml:"backup_root"`
	DefaultOwner string `yaml:"default_owner"`
	// TokenSalt must match the salt the dashboard used when encoding the
	// credential; it is stripped from the decoded token.
	TokenSalt  string `yaml:"token_salt"`
	WatchFlags bool   `yaml:"watch_flags"`

	GitHub GitHubConfig `yaml:"github"`
	Backup BackupConfig `yaml:"backup"`
}

type GitHubConfig struct {
	BaseURL        string `yaml:"base_url"`
	UserAgent      string `yaml:"user_agent"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type BackupConfig struct {
	RetryAttempts int `yaml:"retry_attempts"`
	RetryDelayMS  int `yaml:"retry_delay_ms"`
	MaxConcurrent int `yaml:"max_concurrent"`
	SpacingMS     int `yaml:"spacing_ms"`
}

func Default() Config {
	return Config{
		ListenAddr: ":8080",
		BackupRoot: "backups",
		GitHub: GitHubConfig{
			TimeoutSeconds: 60,
		},
		Backup: BackupConfig{
			RetryAttempts: 2,
			RetryDelayMS:  500,
			MaxConcurrent: 1,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path, or just the
// defaults when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.GitHub.TimeoutSeconds) * time.Second
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Backup.RetryDelayMS) * time.Millisecond
}

func (c Config) Spacing() time.Duration {
	return time.Duration(c.Backup.SpacingMS) * time.Millisecond
}
