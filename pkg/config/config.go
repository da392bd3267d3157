// Package config loads configuration from environment variables, an optional
// .env file, and a YAML allowlist file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config is the full application configuration.
type Config struct {
	ListenAddr       string
	DBPath           string
	SecureCookie     bool
	Development      bool
	SMTP             SMTPConfig
	Allowlist        []string
	ReminderInterval time.Duration
}

// allowlistFile is the YAML shape of the allowlist file.
type allowlistFile struct {
	Emails           []string `yaml:"emails"`
	ReminderInterval string   `yaml:"reminder_interval"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; a custom path can be given.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	port, err := parseIntEnv("SMTP_PORT", 587)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}

	cfg := &Config{
		ListenAddr:   getEnvOrDefault("LISTEN_ADDR", ":8080"),
		DBPath:       getEnvOrDefault("DB_PATH", "loantrack.db"),
		SecureCookie: os.Getenv("SECURE_COOKIE") == "true",
		Development:  os.Getenv("DEV") == "true",
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     port,
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
		ReminderInterval: 7 * 24 * time.Hour,
	}

	allowlistPath := getEnvOrDefault("ALLOWLIST_FILE", "allowlist.yaml")
	if err := cfg.loadAllowlist(allowlistPath); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadAllowlist(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read allowlist file %s: %w", path, err)
	}

	var file allowlistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse allowlist file %s: %w", path, err)
	}
	if len(file.Emails) == 0 {
		return fmt.Errorf("allowlist file %s contains no emails", path)
	}
	c.Allowlist = file.Emails

	if file.ReminderInterval != "" {
		interval, err := time.ParseDuration(file.ReminderInterval)
		if err != nil {
			return fmt.Errorf("invalid reminder_interval in %s: %w", path, err)
		}
		c.ReminderInterval = interval
	}
	return nil
}

// Validate checks that the fields required to send mail are present.
func (c *Config) Validate() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("SMTP_HOST is required")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("SMTP_FROM is required")
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}
