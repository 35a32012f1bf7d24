package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for githost. Every key can be set through
// the upper-cased environment variable (API_ADDR, CLONE_DELAY, ...) or a
// config file passed to Load.
type Config struct {
	APIAddr  string
	LogLevel string

	SourceHost   string
	DeployDomain string
	CloneDelay   time.Duration
	BuildDelay   time.Duration
	SuccessRate  float64
	// RandomSeed of 0 seeds the outcome generator from the wall clock.
	RandomSeed   int64
	TickInterval time.Duration

	NotifyWorkers     int
	WebhookURL        string
	WebhookMaxRetries int
	WebhookTimeout    time.Duration

	// RedisAddr enables transition analytics when set.
	RedisAddr string

	MetricsEnabled  bool
	ShutdownTimeout time.Duration
}

var defaults = map[string]any{
	"api_addr":            ":8080",
	"log_level":           "INFO",
	"source_host":         "github.com",
	"deploy_domain":       "githost.app",
	"clone_delay":         "3s",
	"build_delay":         "5s",
	"success_rate":        0.8,
	"random_seed":         0,
	"tick_interval":       "250ms",
	"notify_workers":      2,
	"webhook_url":         "",
	"webhook_max_retries": 5,
	"webhook_timeout":     "10s",
	"redis_addr":          "",
	"metrics_enabled":     true,
	"shutdown_timeout":    "20s",
}

// Load reads configuration from the environment and, when path is not
// empty, from the given file. Environment variables take precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var errs ValidationErrors
	duration := func(key string) time.Duration {
		raw := v.GetString(key)
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   strings.ToUpper(key),
				Message: fmt.Sprintf("invalid duration %q", raw),
			})
		}
		return d
	}

	cfg := Config{
		APIAddr:           v.GetString("api_addr"),
		LogLevel:          v.GetString("log_level"),
		SourceHost:        strings.ToLower(v.GetString("source_host")),
		DeployDomain:      strings.ToLower(v.GetString("deploy_domain")),
		CloneDelay:        duration("clone_delay"),
		BuildDelay:        duration("build_delay"),
		SuccessRate:       v.GetFloat64("success_rate"),
		RandomSeed:        v.GetInt64("random_seed"),
		TickInterval:      duration("tick_interval"),
		NotifyWorkers:     v.GetInt("notify_workers"),
		WebhookURL:        v.GetString("webhook_url"),
		WebhookMaxRetries: v.GetInt("webhook_max_retries"),
		WebhookTimeout:    duration("webhook_timeout"),
		RedisAddr:         v.GetString("redis_addr"),
		MetricsEnabled:    v.GetBool("metrics_enabled"),
		ShutdownTimeout:   duration("shutdown_timeout"),
	}
	if len(errs) > 0 {
		return cfg, errs
	}
	return cfg, nil
}

// Print writes the effective configuration as indented JSON. Credentials in
// the webhook URL are masked.
func (c Config) Print(w io.Writer) error {
	out := map[string]any{
		"api_addr":            c.APIAddr,
		"log_level":           c.LogLevel,
		"source_host":         c.SourceHost,
		"deploy_domain":       c.DeployDomain,
		"clone_delay":         c.CloneDelay.String(),
		"build_delay":         c.BuildDelay.String(),
		"success_rate":        c.SuccessRate,
		"random_seed":         c.RandomSeed,
		"tick_interval":       c.TickInterval.String(),
		"notify_workers":      c.NotifyWorkers,
		"webhook_url":         maskURL(c.WebhookURL),
		"webhook_max_retries": c.WebhookMaxRetries,
		"webhook_timeout":     c.WebhookTimeout.String(),
		"redis_addr":          c.RedisAddr,
		"metrics_enabled":     c.MetricsEnabled,
		"shutdown_timeout":    c.ShutdownTimeout.String(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "redacted"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
