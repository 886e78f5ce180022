// Package config loads and validates the agent configuration. Validation
// happens exactly once at load; everything downstream receives an immutable
// struct and never re-checks fields.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultUpdateFrequency       = 10 * time.Second
	defaultFullReconcileInterval = 30 * time.Minute
	defaultWorkers               = 4
	defaultCapacity              = 1000
	defaultMaxContainers         = 4
	defaultCaptchaCookieExpiry   = 30 * time.Minute
	defaultRetryAttempts         = 3
	defaultRetryBackoff          = 500 * time.Millisecond
)

// Duration is a time.Duration that unmarshals from JSON strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return err
	}
	if text == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Config is the root document.
type Config struct {
	UpdateFrequency       Duration `json:"update_frequency"`
	FullReconcileInterval Duration `json:"full_reconcile_interval"`
	Workers               int      `json:"workers"`
	CachePath             string   `json:"cache_path"`
	MetricsAddr           string   `json:"metrics_addr,omitempty"`
	RedisURL              string   `json:"redis_url,omitempty"`

	Log struct {
		Level      string `json:"level"`
		File       string `json:"file,omitempty"`
		MaxSizeMB  int    `json:"max_size_mb,omitempty"`
		MaxBackups int    `json:"max_backups,omitempty"`
	} `json:"log"`

	Feed FeedConfig `json:"feed"`

	Accounts []Account `json:"accounts"`
}

// FeedConfig describes the decision feed and the filters applied to it.
type FeedConfig struct {
	URL              string   `json:"url"`
	APIKey           string   `json:"api_key"`
	Origins          []string `json:"origins,omitempty"`
	IncludeScenarios []string `json:"include_scenarios,omitempty"`
	ExcludeScenarios []string `json:"exclude_scenarios,omitempty"`
}

// Account owns services and the credential used for every remote call scoped
// to them.
type Account struct {
	Name     string    `json:"name"`
	Token    string    `json:"token"`
	Services []Service `json:"services"`
}

// Service is the per-service enforcement configuration. Optional fields keep
// their zero value and are defaulted during validation.
type Service struct {
	ID                  string   `json:"id"`
	Activate            bool     `json:"activate"`
	ReferenceVersion    string   `json:"reference_version,omitempty"`
	MaxItems            int      `json:"max_items,omitempty"`
	MaxContainers       int      `json:"max_containers,omitempty"`
	CaptchaSiteKey      string   `json:"captcha_site_key,omitempty"`
	CaptchaSecret       string   `json:"captcha_secret,omitempty"`
	CaptchaCookieExpiry Duration `json:"captcha_cookie_expiry,omitempty"`
}

// Load reads, applies environment overrides and validates the configuration
// file. Secrets may come from the environment rather than the file:
// PALISADE_FEED_API_KEY overrides feed.api_key and PALISADE_REDIS_URL
// overrides redis_url.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("PALISADE_FEED_API_KEY"); v != "" {
		cfg.Feed.APIKey = v
	}
	if v := os.Getenv("PALISADE_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.UpdateFrequency.Duration <= 0 {
		c.UpdateFrequency.Duration = defaultUpdateFrequency
	}
	if c.FullReconcileInterval.Duration <= 0 {
		c.FullReconcileInterval.Duration = defaultFullReconcileInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("config: cache_path is required")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if strings.TrimSpace(c.Feed.URL) == "" {
		return fmt.Errorf("config: feed.url is required")
	}
	if strings.TrimSpace(c.Feed.APIKey) == "" {
		return fmt.Errorf("config: feed.api_key is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: at least one account is required")
	}

	seen := make(map[string]struct{})
	for i := range c.Accounts {
		account := &c.Accounts[i]
		if strings.TrimSpace(account.Token) == "" {
			return fmt.Errorf("config: account %q has no token", account.Name)
		}
		if len(account.Services) == 0 {
			return fmt.Errorf("config: account %q has no services", account.Name)
		}
		for j := range account.Services {
			svc := &account.Services[j]
			if strings.TrimSpace(svc.ID) == "" {
				return fmt.Errorf("config: account %q service %d has no id", account.Name, j)
			}
			if _, dup := seen[svc.ID]; dup {
				return fmt.Errorf("config: service %q configured twice", svc.ID)
			}
			seen[svc.ID] = struct{}{}
			if svc.MaxItems <= 0 {
				svc.MaxItems = defaultCapacity
			}
			if svc.MaxContainers <= 0 {
				svc.MaxContainers = defaultMaxContainers
			}
			if svc.CaptchaCookieExpiry.Duration <= 0 {
				svc.CaptchaCookieExpiry.Duration = defaultCaptchaCookieExpiry
			}
			if (svc.CaptchaSiteKey == "") != (svc.CaptchaSecret == "") {
				return fmt.Errorf("config: service %q needs both captcha_site_key and captcha_secret or neither", svc.ID)
			}
		}
	}
	return nil
}

// ServiceIDs returns every configured service id, for cache pruning.
func (c Config) ServiceIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, account := range c.Accounts {
		for _, svc := range account.Services {
			ids[svc.ID] = struct{}{}
		}
	}
	return ids
}

// RetryAttempts and RetryBackoff are fixed process-wide; they live here so
// the edge layer takes them from configuration in one place.
func (c Config) RetryAttempts() int          { return defaultRetryAttempts }
func (c Config) RetryBackoff() time.Duration { return defaultRetryBackoff }
