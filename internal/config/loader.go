package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists known LLM provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidLLMProviders = []string{
	"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek",
	"mistral", "groq", "llamacpp", "llamafile",
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultTTLHours        = 8
	DefaultLLMTimeout      = 30 * time.Second
	DefaultTemperature     = 0.4
	DefaultMaxTokens       = 400
	DefaultMaxSuggestions  = 4
	DefaultFuzzyThreshold  = 0.90
	DefaultPollInterval    = time.Second
	DefaultReclaimInterval = 30 * time.Second
	DefaultRetention       = time.Hour
	DefaultWriteTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// envOverrides are the environment variables that take precedence over the
// YAML file. Secrets are usually supplied this way.
type envOverrides struct {
	ListenAddr  string `env:"DMDESK_LISTEN_ADDR"`
	LogLevel    string `env:"DMDESK_LOG_LEVEL"`
	PostgresDSN string `env:"DMDESK_POSTGRES_DSN"`
	LLMName     string `env:"DMDESK_LLM_PROVIDER"`
	LLMModel    string `env:"DMDESK_LLM_MODEL"`
	LLMAPIKey   string `env:"DMDESK_LLM_API_KEY"`
	LLMBaseURL  string `env:"DMDESK_LLM_BASE_URL"`
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, nil)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the overrides found
// in environ, applies defaults and validates the result. A nil environ reads
// the process environment. An empty document yields the default config.
func LoadFromReader(r io.Reader, environ map[string]string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overwrites cfg fields with the DMDESK_* variables set in environ.
// A nil environ reads the process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Environment: environ}
	if environ == nil {
		opts.Environment = env.ToMap(os.Environ())
	}
	var o envOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, o.ListenAddr)
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(o.LogLevel))
	}
	set(&cfg.Database.PostgresDSN, o.PostgresDSN)
	set(&cfg.Providers.LLM.Name, o.LLMName)
	set(&cfg.Providers.LLM.Model, o.LLMModel)
	set(&cfg.Providers.LLM.APIKey, o.LLMAPIKey)
	set(&cfg.Providers.LLM.BaseURL, o.LLMBaseURL)
	return nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	def := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	def(&cfg.Server.WriteTimeout, DefaultWriteTimeout)
	def(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	s := &cfg.Staging
	if s.DefaultTTLHours == 0 {
		s.DefaultTTLHours = DefaultTTLHours
	}
	def(&s.LLMTimeout, DefaultLLMTimeout)
	if s.Temperature == 0 {
		s.Temperature = DefaultTemperature
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	if s.MaxSuggestions == 0 {
		s.MaxSuggestions = DefaultMaxSuggestions
	}
	if s.FuzzyThreshold == 0 {
		s.FuzzyThreshold = DefaultFuzzyThreshold
	}

	q := &cfg.Queues
	for _, n := range []*int{&q.PlayerActionWorkers, &q.LLMWorkers, &q.AssetWorkers} {
		if *n == 0 {
			*n = 1
		}
	}
	def(&q.PollInterval, DefaultPollInterval)
	def(&q.ReclaimInterval, DefaultReclaimInterval)
	def(&q.Retention, DefaultRetention)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "dmdesk"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.WriteTimeout < 0 || cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}

	// Providers
	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		prefix := fmt.Sprintf("providers.llm_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
		} else {
			slog.Warn("no LLM provider configured; staging proposals will carry rule-based suggestions only")
		}
	}

	// Staging
	s := cfg.Staging
	if s.DefaultTTLHours < 0 {
		errs = append(errs, fmt.Errorf("staging.default_ttl_hours %d must be positive", s.DefaultTTLHours))
	}
	if s.LLMTimeout < 0 {
		errs = append(errs, fmt.Errorf("staging.llm_timeout %s must not be negative", s.LLMTimeout))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("staging.temperature %.2f is out of range [0, 2]", s.Temperature))
	}
	if s.MaxTokens < 0 || s.MaxSuggestions < 0 {
		errs = append(errs, errors.New("staging.max_tokens and staging.max_suggestions must not be negative"))
	}
	if s.FuzzyThreshold < 0 || s.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("staging.fuzzy_threshold %.2f is out of range (0, 1]", s.FuzzyThreshold))
	}

	// Queues
	q := cfg.Queues
	for name, n := range map[string]int{
		"player_action_workers": q.PlayerActionWorkers,
		"llm_workers":           q.LLMWorkers,
		"asset_workers":         q.AssetWorkers,
		"backlog_limit":         q.BacklogLimit,
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("queues.%s %d must not be negative", name, n))
		}
	}
	if q.LeaseTimeout < 0 || q.PollInterval < 0 || q.ReclaimInterval < 0 || q.Retention < 0 {
		errs = append(errs, errors.New("queues durations must not be negative"))
	}
	// A lease that can run out during one LLM call hands the item to a second
	// worker while the first is still working on it.
	llmTimeout := s.LLMTimeout
	if llmTimeout == 0 {
		llmTimeout = DefaultLLMTimeout
	}
	if q.LeaseTimeout > 0 && q.LeaseTimeout <= llmTimeout {
		errs = append(errs, fmt.Errorf("queues.lease_timeout %s must exceed staging.llm_timeout %s", q.LeaseTimeout, llmTimeout))
	}

	// Persistence
	if cfg.Database.SeedFromCampaign && cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.seed_from_campaign requires database.postgres_dsn"))
	}
	if cfg.Database.PostgresDSN == "" && len(cfg.Campaign.Files) == 0 {
		slog.Warn("neither database.postgres_dsn nor campaign.files is set; regions will have no NPC relations")
	}
	for i, f := range cfg.Campaign.Files {
		if f == "" {
			errs = append(errs, fmt.Errorf("campaign.files[%d] must not be empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidLLMProviders].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidLLMProviders, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidLLMProviders,
	)
}
