package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

const maxWebhookRetries = 10

var logLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "WARNING": true, "ERROR": true}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if cfg.APIAddr == "" {
		add("API_ADDR", "required")
	}
	if !logLevels[strings.ToUpper(cfg.LogLevel)] {
		add("LOG_LEVEL", fmt.Sprintf("unknown level %q", cfg.LogLevel))
	}
	if cfg.SourceHost == "" || strings.ContainsAny(cfg.SourceHost, "/: ") {
		add("SOURCE_HOST", "must be a bare host name")
	}
	if cfg.DeployDomain == "" || strings.ContainsAny(cfg.DeployDomain, "/: ") {
		add("DEPLOY_DOMAIN", "must be a bare domain name")
	}

	durations := []struct {
		field string
		d     time.Duration
	}{
		{"CLONE_DELAY", cfg.CloneDelay},
		{"BUILD_DELAY", cfg.BuildDelay},
		{"TICK_INTERVAL", cfg.TickInterval},
		{"WEBHOOK_TIMEOUT", cfg.WebhookTimeout},
		{"SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout},
	}
	for _, dur := range durations {
		if dur.d <= 0 {
			add(dur.field, "must be positive")
		}
	}

	if cfg.SuccessRate < 0 || cfg.SuccessRate > 1 {
		add("SUCCESS_RATE", "must be between 0 and 1")
	}
	if cfg.NotifyWorkers <= 0 {
		add("NOTIFY_WORKERS", "must be positive")
	}
	if cfg.WebhookMaxRetries < 0 || cfg.WebhookMaxRetries > maxWebhookRetries {
		add("WEBHOOK_MAX_RETRIES", fmt.Sprintf("must be between 0 and %d", maxWebhookRetries))
	}
	if cfg.WebhookURL != "" {
		u, err := url.Parse(cfg.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("WEBHOOK_URL", "must be an http(s) URL")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
