package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/voicelinehq/voiceline/internal/config"
)

// minimalYAML carries every required key so tests can layer overrides on top.
const minimalYAML = `
twilio:
  auth_token: tok
providers:
  stt_api_key: dg
  tts_api_key: dg-tts
  llm_api_key: oa
store:
  postgres_dsn: postgres://localhost/voiceline
  redis_addr: localhost:6379
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: unexpected error: %v", err)
	}

	if cfg.Retrieval.SimilarityThreshold != 0.7 {
		t.Errorf("similarity threshold: want 0.7, got %v", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Retrieval.RRFK != 60 {
		t.Errorf("rrf_k: want 60, got %d", cfg.Retrieval.RRFK)
	}
	if cfg.Retrieval.Limit != 3 {
		t.Errorf("retrieval limit: want 3, got %d", cfg.Retrieval.Limit)
	}
	if cfg.Billing.TickInterval != 30*time.Second {
		t.Errorf("tick interval: want 30s, got %v", cfg.Billing.TickInterval)
	}
	if cfg.Billing.TickMinutes != 0.5 {
		t.Errorf("tick minutes: want 0.5, got %v", cfg.Billing.TickMinutes)
	}
	if cfg.RateLimit.MaxCallsPerMinute != 50 {
		t.Errorf("max calls per minute: want 50, got %d", cfg.RateLimit.MaxCallsPerMinute)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr: want :8080, got %q", cfg.Server.ListenAddr)
	}
}

func TestLoadFromReader_MissingRequiredKeys(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: ':9000'\n"))
	if err == nil {
		t.Fatal("LoadFromReader: want error for missing required keys, got nil")
	}
	for _, fragment := range []string{"twilio.auth_token", "stt_api_key", "postgres_dsn", "redis_addr"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error should mention %q, got: %v", fragment, err)
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nbogus_key: 1\n"))
	if err == nil {
		t.Fatal("LoadFromReader: want error for unknown field, got nil")
	}
}

func TestLoadFromReader_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nserver:\n  log_level: loud\n"))
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("LoadFromReader: want log_level error, got %v", err)
	}
}

func TestApplyEnv_FillsSecrets(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "env-token")
	t.Setenv("DEEPGRAM_API_KEY", "env-dg")

	cfg := &config.Config{}
	cfg.Twilio.AuthToken = "explicit"
	config.ApplyEnv(cfg)

	if cfg.Twilio.AuthToken != "explicit" {
		t.Errorf("explicit value must win over env, got %q", cfg.Twilio.AuthToken)
	}
	if cfg.Providers.STTAPIKey != "env-dg" {
		t.Errorf("empty field should take env value, got %q", cfg.Providers.STTAPIKey)
	}
}

func TestValidate_ThresholdBounds(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Retrieval.SimilarityThreshold = 1.2
	if err := config.Validate(cfg); err == nil {
		t.Error("Validate: want error for similarity_threshold >= 1, got nil")
	}
}
