package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Fatalf("max_iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if !cfg.Channels.CLI.Enabled {
		t.Fatal("cli channel disabled by default")
	}
}

func TestLoadJSON5Overlay(t *testing.T) {
	path := writeConfig(t, `{
		// comments and trailing commas are allowed
		agent: {
			max_iterations: 5,
		},
		provider: {model: "gpt-4o"},
		rate_limit: {mode: "strict"},
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Fatalf("max_iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Provider.Model != "gpt-4o" {
		t.Fatalf("model = %q", cfg.Provider.Model)
	}
	if cfg.RateLimit.Mode != "strict" {
		t.Fatalf("mode = %q", cfg.RateLimit.Mode)
	}
	// Untouched sections keep defaults.
	if cfg.Agent.MaxToolCallsPerMessage != 20 {
		t.Fatalf("max_tool_calls_per_message = %d", cfg.Agent.MaxToolCallsPerMessage)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, `{agent: [}`)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTD_API_KEY", "sk-env")
	t.Setenv("AGENTD_MODEL", "env-model")
	t.Setenv("AGENTD_POSTGRES_DSN", "postgres://localhost/agentd")
	t.Setenv("AGENTD_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.APIKey != "sk-env" {
		t.Fatalf("api key = %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "env-model" {
		t.Fatalf("model = %q", cfg.Provider.Model)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestOpenAIKeyFallback(t *testing.T) {
	t.Setenv("AGENTD_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.APIKey != "sk-openai" {
		t.Fatalf("api key = %q", cfg.Provider.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, true},
		{"zero tool budget", func(c *Config) { c.Agent.MaxToolCallsPerMessage = 0 }, true},
		{"bad rate limit mode", func(c *Config) { c.RateLimit.Mode = "permissive" }, true},
		{"bad storage driver", func(c *Config) { c.Storage.Driver = "mysql" }, true},
		{"bad telemetry protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, true},
		{"cron job without schedule", func(c *Config) {
			c.Cron.Jobs = []CronJob{{Name: "tick", Message: "go"}}
		}, true},
		{"valid cron job", func(c *Config) {
			c.Cron.Jobs = []CronJob{{Name: "tick", Schedule: "* * * * *", Message: "go"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPathEnvOverride(t *testing.T) {
	t.Setenv("AGENTD_CONFIG", "/etc/agentd/custom.json5")
	if got := DefaultPath(); got != "/etc/agentd/custom.json5" {
		t.Fatalf("path = %q", got)
	}
}
