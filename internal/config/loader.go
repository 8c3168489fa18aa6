package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// envFallbacks maps config fields to the environment variables consulted when
// the field is empty after YAML decoding. Secrets are usually injected this
// way so they never land in a config file.
var envFallbacks = []struct {
	name string
	dst  func(*Config) *string
}{
	{"TWILIO_ACCOUNT_SID", func(c *Config) *string { return &c.Twilio.AccountSID }},
	{"TWILIO_AUTH_TOKEN", func(c *Config) *string { return &c.Twilio.AuthToken }},
	{"DEEPGRAM_API_KEY", func(c *Config) *string { return &c.Providers.STTAPIKey }},
	{"DEEPGRAM_TTS_API_KEY", func(c *Config) *string { return &c.Providers.TTSAPIKey }},
	{"ELEVENLABS_API_KEY", func(c *Config) *string { return &c.Providers.TTSSecondaryAPIKey }},
	{"OPENAI_API_KEY", func(c *Config) *string { return &c.Providers.LLMAPIKey }},
	{"REMOTE_GENERATOR_URL", func(c *Config) *string { return &c.Providers.RemoteGeneratorURL }},
	{"POSTGRES_DSN", func(c *Config) *string { return &c.Store.PostgresDSN }},
	{"REDIS_ADDR", func(c *Config) *string { return &c.Store.RedisAddr }},
	{"REDIS_PASSWORD", func(c *Config) *string { return &c.Store.RedisPassword }},
	{"ADMIN_API_KEY", func(c *Config) *string { return &c.AdminKey }},
}

// Load reads the YAML configuration file at path, applies environment
// fallbacks and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment fallbacks
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty secret fields from their environment variables.
func ApplyEnv(cfg *Config) {
	for _, fb := range envFallbacks {
		dst := fb.dst(cfg)
		if *dst == "" {
			*dst = os.Getenv(fb.name)
		}
	}
}

// Validate checks that cfg contains a coherent set of values. Missing
// required keys fail here so the process refuses to start misconfigured.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio.auth_token is required (or set TWILIO_AUTH_TOKEN)"))
	}
	if cfg.Providers.STTAPIKey == "" {
		errs = append(errs, errors.New("providers.stt_api_key is required (or set DEEPGRAM_API_KEY)"))
	}
	if cfg.Providers.TTSAPIKey == "" {
		errs = append(errs, errors.New("providers.tts_api_key is required (or set DEEPGRAM_TTS_API_KEY)"))
	}
	if cfg.Providers.LLMAPIKey == "" && cfg.Providers.RemoteGeneratorURL == "" {
		errs = append(errs, errors.New("providers.llm_api_key is required when no remote_generator_url is configured"))
	}
	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required (or set POSTGRES_DSN)"))
	}
	if cfg.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redis_addr is required (or set REDIS_ADDR)"))
	}

	if cfg.Retrieval.SimilarityThreshold < 0 || cfg.Retrieval.SimilarityThreshold >= 1 {
		errs = append(errs, fmt.Errorf("retrieval.similarity_threshold %v must be in [0, 1)", cfg.Retrieval.SimilarityThreshold))
	}
	if cfg.Retrieval.RRFK < 0 {
		errs = append(errs, fmt.Errorf("retrieval.rrf_k %d must be >= 0", cfg.Retrieval.RRFK))
	}
	if cfg.Billing.TickMinutes < 0 {
		errs = append(errs, fmt.Errorf("billing.tick_minutes %v must be >= 0", cfg.Billing.TickMinutes))
	}
	if cfg.RateLimit.MaxCallsPerMinute < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.max_calls_per_minute %d must be >= 1", cfg.RateLimit.MaxCallsPerMinute))
	}

	return errors.Join(errs...)
}
