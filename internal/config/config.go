// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// MonitorConfig holds configuration for the job monitor process.
type MonitorConfig struct {
	BackendURL      string        // base URL of the job processor (health, logs, submission)
	ProbeInterval   time.Duration // wait between failed health probes
	ProbeTimeout    time.Duration // per-probe request timeout
	ReconnectDelay  time.Duration // wait after a stream loss before probing again
	SubmitTimeout   time.Duration
	LogBufferSize   int    // retained log lines for the current job
	StageRulesFile  string // optional YAML rule table replacing the defaults
	StatusPort      string // local status API (0 or empty disables)
	MetricsPort     string
	APIKey          string
	CallbackURL     string // progress notifications (empty disables)
	CallbackKey     string
	ShutdownTimeout time.Duration
}

// LoadMonitorConfig loads monitor configuration from environment variables.
func LoadMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		BackendURL:      GetEnv("BACKEND_URL", "http://127.0.0.1:8000"),
		ProbeInterval:   GetDurationEnv("PROBE_INTERVAL", time.Second),
		ProbeTimeout:    GetDurationEnv("PROBE_TIMEOUT", 2*time.Second),
		ReconnectDelay:  GetDurationEnv("RECONNECT_DELAY", 3*time.Second),
		SubmitTimeout:   GetDurationEnv("SUBMIT_TIMEOUT", 30*time.Second),
		LogBufferSize:   GetIntEnv("LOG_BUFFER_SIZE", 5000),
		StageRulesFile:  GetEnv("STAGE_RULES_FILE", ""),
		StatusPort:      GetEnv("STATUS_PORT", "8790"),
		MetricsPort:     GetEnv("METRICS_PORT", "9790"),
		APIKey:          GetSecretFile(GetEnv("API_KEY_FILE", "")),
		CallbackURL:     GetEnv("CALLBACK_URL", ""),
		CallbackKey:     GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")),
		ShutdownTimeout: GetDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
