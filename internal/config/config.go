package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"

	"github.com/openagentd/agentd/internal/storage"
)

// Config is the root configuration document. Files are JSON5 so configs
// may carry comments and trailing commas.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Bus       BusConfig       `json:"bus"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Tools     ToolsConfig     `json:"tools"`
	Storage   storage.Config  `json:"storage"`
	Events    EventsConfig    `json:"events"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Channels  ChannelsConfig  `json:"channels"`
	Cron      CronConfig      `json:"cron"`
	Telemetry TelemetryConfig `json:"telemetry"`
	LogLevel  string          `json:"log_level"`
}

type AgentConfig struct {
	MaxIterations          int    `json:"max_iterations"`
	MaxToolCallsPerMessage int    `json:"max_tool_calls_per_message"`
	MaxFollowupDepth       int    `json:"max_followup_depth"`
	MaxRetries             int    `json:"max_retries"`
	HistoryMaxMessages     int    `json:"history_max_messages"`
	HistoryMaxChars        int    `json:"history_max_chars"`
	Workspace              string `json:"workspace"`
	RestrictToWorkspace    bool   `json:"restrict_to_workspace"`
	SystemPrompt           string `json:"system_prompt"`
	RunTimeoutSeconds      int    `json:"run_timeout_seconds"`
}

type ProviderConfig struct {
	Name              string  `json:"name"`
	Model             string  `json:"model"`
	APIKey            string  `json:"api_key"`
	BaseURL           string  `json:"base_url"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	MaxRetries        int     `json:"max_retries"`
	RequestsPerMinute float64 `json:"requests_per_minute"`
}

type BusConfig struct {
	InboundSize  int `json:"inbound_size"`
	OutboundSize int `json:"outbound_size"`
}

type RateLimitConfig struct {
	MaxPerMinute int    `json:"max_per_minute"`
	MaxPerHour   int    `json:"max_per_hour"`
	Mode         string `json:"mode"` // strict or lenient
}

type ToolsConfig struct {
	MaxCallsPerMinute int  `json:"max_calls_per_minute"`
	EnableExec        bool `json:"enable_exec"`
	EnableWebFetch    bool `json:"enable_web_fetch"`
}

type EventsConfig struct {
	Path   string `json:"path"`
	Redact bool   `json:"redact"`
}

type RecoveryConfig struct {
	Dir string `json:"dir"`
}

type ChannelsConfig struct {
	CLI CLIChannelConfig `json:"cli"`
}

type CLIChannelConfig struct {
	Enabled bool   `json:"enabled"`
	ChatID  string `json:"chat_id"`
}

type CronConfig struct {
	Jobs []CronJob `json:"jobs"`
}

// CronJob enqueues a synthetic inbound message on its schedule.
type CronJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Channel  string `json:"channel"`
	ChatID   string `json:"chat_id"`
	Message  string `json:"message"`
}

type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
	Protocol string `json:"protocol"` // grpc or http
}

// Default returns a runnable configuration for a local single-user
// deployment.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".agentd")
	return &Config{
		Agent: AgentConfig{
			MaxIterations:          10,
			MaxToolCallsPerMessage: 20,
			MaxFollowupDepth:       1,
			MaxRetries:             2,
			HistoryMaxMessages:     200,
			HistoryMaxChars:        200000,
			Workspace:              filepath.Join(base, "workspace"),
			RestrictToWorkspace:    true,
		},
		Provider: ProviderConfig{
			Name:           "openai",
			Model:          "gpt-4o-mini",
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 120,
			MaxRetries:     3,
		},
		Bus: BusConfig{InboundSize: 256, OutboundSize: 256},
		RateLimit: RateLimitConfig{
			MaxPerMinute: 20,
			MaxPerHour:   300,
			Mode:         "lenient",
		},
		Tools: ToolsConfig{
			MaxCallsPerMinute: 60,
			EnableExec:        true,
			EnableWebFetch:    true,
		},
		Storage: storage.Config{
			Driver: "sqlite",
			Path:   filepath.Join(base, "agentd.db"),
		},
		Events: EventsConfig{
			Path:   filepath.Join(base, "events.jsonl"),
			Redact: false,
		},
		Recovery: RecoveryConfig{Dir: filepath.Join(base, "recovery")},
		Channels: ChannelsConfig{CLI: CLIChannelConfig{Enabled: true, ChatID: "local"}},
		LogLevel: "info",
	}
}

// Load reads path (JSON5), overlays it on defaults, then applies
// environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTD_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("AGENTD_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("AGENTD_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("AGENTD_POSTGRES_DSN"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("AGENTD_WORKSPACE"); v != "" {
		cfg.Agent.Workspace = v
	}
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTD_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Agent.MaxToolCallsPerMessage <= 0 {
		return fmt.Errorf("agent.max_tool_calls_per_message must be positive")
	}
	switch c.RateLimit.Mode {
	case "", "strict", "lenient":
	default:
		return fmt.Errorf("rate_limit.mode must be strict or lenient, got %q", c.RateLimit.Mode)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	for _, job := range c.Cron.Jobs {
		if job.Schedule == "" || job.Message == "" {
			return fmt.Errorf("cron job %q needs schedule and message", job.Name)
		}
	}
	return nil
}

// DefaultPath resolves the config file location: AGENTD_CONFIG if set,
// otherwise ~/.agentd/config.json5.
func DefaultPath() string {
	if v := os.Getenv("AGENTD_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return filepath.Join(home, ".agentd", "config.json5")
}
