package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/dmdesk/internal/config"
)

func TestApplyEnv_Overrides(t *testing.T) {
	t.Parallel()
	environ := map[string]string{
		"DMDESK_LISTEN_ADDR":   ":7000",
		"DMDESK_LOG_LEVEL":     "WARN",
		"DMDESK_POSTGRES_DSN":  "postgres://env/dmdesk",
		"DMDESK_LLM_PROVIDER":  "openai",
		"DMDESK_LLM_MODEL":     "gpt-4o-mini",
		"DMDESK_LLM_API_KEY":   "sk-from-env",
		"DMDESK_LLM_BASE_URL":  "https://proxy.local/v1",
		"UNRELATED_SECRET_KEY": "ignored",
	}
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML), environ)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Database.PostgresDSN != "postgres://env/dmdesk" {
		t.Errorf("postgres_dsn = %q", cfg.Database.PostgresDSN)
	}
	llm := cfg.Providers.LLM
	if llm.Name != "openai" || llm.Model != "gpt-4o-mini" || llm.APIKey != "sk-from-env" || llm.BaseURL != "https://proxy.local/v1" {
		t.Errorf("providers.llm = %+v", llm)
	}
}

func TestApplyEnv_UnsetKeepsFile(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML), map[string]string{})
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-test" || cfg.Database.PostgresDSN != "postgres://localhost/dmdesk" {
		t.Errorf("file values overwritten: %+v %+v", cfg.Providers.LLM, cfg.Database)
	}
}

func TestApplyEnv_InvalidLevelFailsValidation(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""), map[string]string{"DMDESK_LOG_LEVEL": "loud"})
	if err == nil || !strings.Contains(err.Error(), "server.log_level") {
		t.Errorf("err = %v, want log level validation error", err)
	}
}
