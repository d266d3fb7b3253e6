// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ndx/notify/internal/events"
)

// BreakerConfig sets one circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// SecretsConfig locates the provider credentials.
type SecretsConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Name         string   `yaml:"name"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// EmailConfig configures the email sender.
type EmailConfig struct {
	Host        string        `yaml:"host"`
	FromAddress string        `yaml:"from_address"`
	FromName    string        `yaml:"from_name"`
	PortalURL   string        `yaml:"portal_url"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	// Templates maps event types to provider template ids.
	Templates map[string]string `yaml:"templates"`
}

// ChatConfig configures the chat alert sender.
type ChatConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	ConsoleURL    string        `yaml:"console_url"`
}

// EnrichmentConfig tunes the lookup fan-out.
type EnrichmentConfig struct {
	Deadline   time.Duration `yaml:"deadline"`
	StaleAfter time.Duration `yaml:"stale_after"`
	DriftRatio float64       `yaml:"drift_ratio"`
	SSOURL     string        `yaml:"sso_url"`
}

// DeadLetterConfig configures the dead-letter set.
type DeadLetterConfig struct {
	Key           string        `yaml:"key"`
	QuarantineKey string        `yaml:"quarantine_key"`
	SigningKey    string        `yaml:"signing_key"`
	Retention     time.Duration `yaml:"retention"`
}

// Config holds all configuration for the notification service.
type Config struct {
	LogLevel string `yaml:"log_level"`
	Port     int    `yaml:"port"`

	AllowList struct {
		Sources  []string `yaml:"sources"`
		Accounts []string `yaml:"accounts"`
	} `yaml:"allow_list"`

	Redis struct {
		URL           string        `yaml:"url"`
		DedupPrefix   string        `yaml:"dedup_prefix"`
		InProgressTTL time.Duration `yaml:"in_progress_ttl"`
		CompletedTTL  time.Duration `yaml:"completed_ttl"`
	} `yaml:"redis"`

	DatabaseURL string `yaml:"database_url"`

	Secrets    SecretsConfig    `yaml:"secrets"`
	Email      EmailConfig      `yaml:"email"`
	Chat       ChatConfig       `yaml:"chat"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`

	Breakers struct {
		Enrich BreakerConfig `yaml:"enrich"`
		Email  BreakerConfig `yaml:"email"`
		Chat   BreakerConfig `yaml:"chat"`
	} `yaml:"breakers"`

	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for scalar overrides.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes. ${VAR} references are expanded
// before parsing.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg.LogLevel = envOrDefault("LOG_LEVEL", firstNonEmpty(cfg.LogLevel, "info"))
	cfg.Port = envOrDefaultInt("PORT", orInt(cfg.Port, 8080))
	cfg.Redis.URL = firstNonEmpty(cfg.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0"))
	cfg.DatabaseURL = firstNonEmpty(cfg.DatabaseURL, os.Getenv("DATABASE_URL"))
	cfg.DeadLetter.SigningKey = firstNonEmpty(cfg.DeadLetter.SigningKey, os.Getenv("DLQ_SIGNING_KEY"))
	cfg.HandlerTimeout = envOrDefaultDuration("HANDLER_TIMEOUT", orDuration(cfg.HandlerTimeout, 30*time.Second))

	cfg.Breakers.Enrich = withBreakerDefaults(cfg.Breakers.Enrich, 3, 60*time.Second)
	cfg.Breakers.Email = withBreakerDefaults(cfg.Breakers.Email, 20, 5*time.Minute)
	cfg.Breakers.Chat = withBreakerDefaults(cfg.Breakers.Chat, 5, time.Minute)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate reports every missing or malformed setting at once.
func (c *Config) validate() error {
	var missing []string
	require := func(key, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}

	if len(nonEmpty(c.AllowList.Sources)) == 0 {
		missing = append(missing, "allow_list.sources")
	}
	if len(nonEmpty(c.AllowList.Accounts)) == 0 {
		missing = append(missing, "allow_list.accounts")
	}
	require("database_url", c.DatabaseURL)
	require("secrets.base_url", c.Secrets.BaseURL)
	require("secrets.name", c.Secrets.Name)
	require("secrets.token_url", c.Secrets.TokenURL)
	require("secrets.client_id", c.Secrets.ClientID)
	require("secrets.client_secret", c.Secrets.ClientSecret)
	require("email.from_address", c.Email.FromAddress)
	require("dead_letter.signing_key", c.DeadLetter.SigningKey)
	if len(c.Email.Templates) == 0 {
		missing = append(missing, "email.templates")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	var unknown []string
	for t := range c.Email.Templates {
		if !events.Type(t).Known() {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("email.templates: unknown event types: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Templates returns the email template ids keyed by event type.
func (c *Config) Templates() map[events.Type]string {
	out := make(map[events.Type]string, len(c.Email.Templates))
	for k, v := range c.Email.Templates {
		out[events.Type(k)] = v
	}
	return out
}

func withBreakerDefaults(b BreakerConfig, threshold int, cooldown time.Duration) BreakerConfig {
	b.Threshold = orInt(b.Threshold, threshold)
	b.Cooldown = orDuration(b.Cooldown, cooldown)
	return b
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
