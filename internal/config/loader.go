package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// defaultPort is the listen port used when neither the config file nor the
// PORT environment variable names one.
const defaultPort = 3000

// Default returns the configuration used when no config file is given: the
// in-memory ledger, the local engine, and no accepted tokens.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills defaults, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields, with the PORT environment variable
// taking precedence over the configured listen address.
func applyDefaults(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			cfg.Server.ListenAddr = ":" + port
		} else {
			slog.Warn("ignoring non-numeric PORT environment variable", "port", port)
		}
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = fmt.Sprintf(":%d", defaultPort)
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 15
	}
	if cfg.Usage.Backend == "" {
		cfg.Usage.Backend = UsageMemory
	}
	if cfg.Usage.InitialBudgetMs == 0 {
		cfg.Usage.InitialBudgetMs = 1000
	}
	if cfg.Transcriber.Engine == "" {
		cfg.Transcriber.Engine = EngineLocal
	}
	if cfg.Dispatch.MaxConcurrent == 0 {
		cfg.Dispatch.MaxConcurrent = 5
	}
	if cfg.Dispatch.TaskTimeoutSeconds == 0 {
		cfg.Dispatch.TaskTimeoutSeconds = 60
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout_seconds must not be negative"))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	if len(cfg.Auth.Tokens) == 0 {
		slog.Warn("auth.tokens is empty; every connection will be rejected as unauthorized")
	}
	for token, userID := range cfg.Auth.Tokens {
		if userID == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%q] maps to an empty user id", token))
		}
	}

	if !cfg.Usage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("usage.backend %q is invalid; valid values: memory, postgres", cfg.Usage.Backend))
	}
	if cfg.Usage.Backend == UsagePostgres && cfg.Usage.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("usage.postgres_dsn is required for the postgres backend"))
	}
	if cfg.Usage.InitialBudgetMs < 0 {
		errs = append(errs, fmt.Errorf("usage.initial_budget_ms must not be negative"))
	}

	if !cfg.Transcriber.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("transcriber.engine %q is invalid; valid values: local, whisper, openai", cfg.Transcriber.Engine))
	}
	switch cfg.Transcriber.Engine {
	case EngineWhisper:
		if cfg.Transcriber.BaseURL == "" {
			errs = append(errs, fmt.Errorf("transcriber.base_url is required for the whisper engine"))
		}
	case EngineOpenAI:
		if cfg.Transcriber.APIKey == "" {
			errs = append(errs, fmt.Errorf("transcriber.api_key is required for the openai engine"))
		}
	}
	if cfg.Transcriber.BytesPerWord < 0 || cfg.Transcriber.MsPerWord < 0 {
		errs = append(errs, fmt.Errorf("transcriber cost model values must not be negative"))
	}

	if cfg.Dispatch.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_concurrent must not be negative"))
	}
	if cfg.Dispatch.TaskTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("dispatch.task_timeout_seconds must not be negative"))
	}
	if cfg.Dispatch.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_limit must not be negative"))
	}

	return errors.Join(errs...)
}
