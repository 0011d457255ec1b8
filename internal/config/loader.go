package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anyllm", "anthropic", "mistral", "ollama"},
	"stt":        {"deepgram"},
	"tts":        {"minimax"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references
// against the process environment, applies defaults for absent fields, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	// Secrets (API keys, DSN) live in the environment, not in the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Provider name validation warns rather than fails, so third-party
	// registrations keep working.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Limits
	if cfg.Limits.SessionMinutes < 0 || cfg.Limits.DailyMinutes < 0 || cfg.Limits.MonthlyMinutes < 0 {
		errs = append(errs, errors.New("limits: period minutes must not be negative"))
	}
	if cfg.Limits.WarningRatio <= 0 || cfg.Limits.WarningRatio > 1 {
		errs = append(errs, fmt.Errorf("limits.warning_ratio %.2f is out of range (0, 1]", cfg.Limits.WarningRatio))
	}
	if cfg.Limits.BytesPerMs <= 0 {
		errs = append(errs, fmt.Errorf("limits.bytes_per_ms %d must be positive", cfg.Limits.BytesPerMs))
	}
	if cfg.Limits.Enabled && cfg.Limits.SessionMinutes == 0 && cfg.Limits.DailyMinutes == 0 && cfg.Limits.MonthlyMinutes == 0 {
		slog.Warn("limits.enabled is true but every period limit is zero; nothing will be enforced")
	}

	// Abuse
	if cfg.Abuse.LongSessionActiveRatio < 0 || cfg.Abuse.LongSessionActiveRatio > 1 {
		errs = append(errs, fmt.Errorf("abuse.long_session_active_ratio %.2f is out of range [0, 1]", cfg.Abuse.LongSessionActiveRatio))
	}

	// Session defaults
	if cfg.Session.DefaultLanguage != "" && !cfg.Session.DefaultLanguage.IsValid() {
		errs = append(errs, fmt.Errorf("session.default_language %q is invalid; valid values: en, french, zh-HK, zh-TW", cfg.Session.DefaultLanguage))
	}
	if cfg.Session.DefaultRole != "" && !cfg.Session.DefaultRole.IsValid() {
		errs = append(errs, fmt.Errorf("session.default_role %q is invalid; valid values: loyal_best_friend, caring_parent, coach, funny_friend", cfg.Session.DefaultRole))
	}
	if cfg.Session.STTMaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("session.stt_max_retries %d must be positive", cfg.Session.STTMaxRetries))
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; usage metering and conversation history will not be persisted")
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("storage.embedding_dimensions must be positive when providers.embeddings is configured"))
	}

	// Safety needs an LLM for the classifier stage.
	if cfg.Safety.Enabled && cfg.Providers.LLM.Name == "" {
		slog.Warn("safety.enabled is true but providers.llm is not configured; crisis detection will use the lexicon stage only")
	}

	// Maintenance schedule must parse as a standard cron expression.
	if cfg.Maintenance.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Maintenance.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.schedule %q: %w", cfg.Maintenance.Schedule, err))
		}
	}
	if cfg.Maintenance.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("maintenance.retention_days %d must not be negative", cfg.Maintenance.RetentionDays))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
