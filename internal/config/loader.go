package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/leadvoice/internal/lead"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "gemini-sdk", "openai-realtime"},
	"audio": {"stream"},
}

// Environment variables overlaid by [ApplyEnv].
const (
	EnvAPIKey              = "LEADVOICE_API_KEY"
	EnvGeminiAPIKey        = "GEMINI_API_KEY"
	EnvOpenAIAPIKey        = "OPENAI_API_KEY"
	EnvPostgresDSN         = "LEADVOICE_POSTGRES_DSN"
	EnvChatlogWebhook      = "LEADVOICE_CHATLOG_WEBHOOK"
	EnvRequirementsWebhook = "LEADVOICE_REQUIREMENTS_WEBHOOK"
	EnvListenAddr          = "LEADVOICE_LISTEN_ADDR"
)

// Load reads the YAML configuration file at path, overlays the environment
// and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader], [ApplyEnv] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// The environment is not consulted. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped. With no arguments ".env" is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", f, err)
		}
		slog.Debug("loaded environment file", "path", f)
	}
	return nil
}

// ApplyEnv overlays environment values on cfg. Non-empty variables win over
// the file. Provider keys are only filled where the file left them empty:
// the provider-specific variable first, then LEADVOICE_API_KEY.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	if v := get(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := get(EnvPostgresDSN); v != "" {
		cfg.Memory.PostgresDSN = v
	}
	if v := get(EnvChatlogWebhook); v != "" {
		cfg.Chatlog.WebhookURL = v
	}
	if v := get(EnvRequirementsWebhook); v != "" {
		cfg.Chatlog.RequirementsWebhookURL = v
	}

	fill := func(e *ProviderEntry) {
		if e.APIKey != "" || e.Name == "" {
			return
		}
		var specific string
		switch {
		case strings.HasPrefix(e.Name, "gemini"):
			specific = get(EnvGeminiAPIKey)
		case strings.HasPrefix(e.Name, "openai"):
			specific = get(EnvOpenAIAPIKey)
		}
		if specific != "" {
			e.APIKey = specific
			return
		}
		e.APIKey = get(EnvAPIKey)
	}
	fill(&cfg.Providers.S2S)
	for i := range cfg.Providers.S2SFallbacks {
		fill(&cfg.Providers.S2SFallbacks[i])
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
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	names := map[string]string{cfg.Providers.S2S.Name: "providers.s2s"}
	for i, fb := range cfg.Providers.S2SFallbacks {
		prefix := fmt.Sprintf("providers.s2s_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := names[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates %s", prefix, fb.Name, prev))
		}
		names[fb.Name] = prefix
		validateProviderName("s2s", fb.Name)
	}
	if cfg.Providers.Audio.Name == "" {
		errs = append(errs, errors.New("providers.audio.name is required"))
	}
	validateProviderName("audio", cfg.Providers.Audio.Name)

	// Call
	c := cfg.Call
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("call.sample_rate %d must not be negative", c.SampleRate))
	}
	if c.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("call.frame_size %d must not be negative", c.FrameSize))
	}
	if c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("call.connect_timeout %s must not be negative", c.ConnectTimeout))
	}
	for i, p := range c.ExitPhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("call.exit_phrases[%d] is empty", i))
		}
	}

	// Lead
	if cfg.Lead.ServiceType != "" {
		if _, err := lead.ParseServiceType(cfg.Lead.ServiceType); err != nil {
			errs = append(errs, fmt.Errorf("lead.service_type: %w", err))
		}
	}

	// Chat log
	for key, u := range map[string]string{
		"chatlog.webhook_url":              cfg.Chatlog.WebhookURL,
		"chatlog.requirements_webhook_url": cfg.Chatlog.RequirementsWebhookURL,
	} {
		if u == "" {
			continue
		}
		if parsed, err := url.Parse(u); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q must be an absolute http(s) URL", key, u))
		}
	}
	if cfg.Chatlog.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("chatlog.queue_size %d must not be negative", cfg.Chatlog.QueueSize))
	}

	// Storage availability
	if cfg.Memory.PostgresDSN == "" && cfg.Chatlog.WebhookURL == "" {
		slog.Warn("neither memory.postgres_dsn nor chatlog.webhook_url is set; messages will not be recorded")
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
