package notify

import (
	"jobmonitor/internal/config"
	"strings"
	"time"
)

// Config holds configuration for progress notifications.
type Config struct {
	URL        string   // callback URL; empty disables notifications
	SigningKey string   // HMAC key, empty = unsigned
	Source     string   // CloudEvent source attribute
	Events     []string // event types to send; empty = all

	BufferSize       int           // pending events buffer (default: 256)
	Workers          int           // concurrent delivery goroutines (default: 2)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	MaxRetries       int           // retries after the first attempt (default: 3, negative disables)
	MaxRequeues      int           // requeues while the circuit is open (default: 10)
	BreakerThreshold int           // failures before the circuit opens (default: 5)
	BreakerCooldown  time.Duration // time before a half-open trial (default: 30s)
}

// LoadConfigFromEnv loads delivery tuning from environment variables. The
// destination and signing key come from the monitor configuration.
func LoadConfigFromEnv(url, signingKey string) Config {
	cfg := Config{
		URL:              url,
		SigningKey:       signingKey,
		Source:           config.GetEnv("NOTIFY_SOURCE", ""),
		Events:           splitList(config.GetEnv("NOTIFY_EVENTS", "")),
		BufferSize:       config.GetIntEnv("NOTIFY_BUFFER_SIZE", 256),
		Workers:          config.GetIntEnv("NOTIFY_WORKERS", 2),
		HTTPTimeout:      config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:       config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// Enabled reports whether a destination is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "jobmon"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
