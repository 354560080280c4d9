package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":   {"gemini-live", "gemini-genai", "openai-realtime"},
	"input":  {"portaudio", "wav"},
	"output": {"portaudio", "wav"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Live
	for i, m := range cfg.Live.ResponseModalities {
		if !m.IsValid() {
			errs = append(errs, fmt.Errorf("live.response_modalities[%d] %q is invalid; valid values: audio, text", i, m))
		}
	}

	// Providers
	if cfg.Providers.Live.Name == "" {
		errs = append(errs, errors.New("providers.live.name is required"))
	}
	validateProviderName("live", cfg.Providers.Live.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d].name is required", i))
		}
		validateProviderName("live", fb.Name)
	}
	if cfg.Providers.Live.APIKey == "" {
		slog.Warn("providers.live.api_key is empty; the provider may fall back to environment credentials")
	}

	// Audio
	validateProviderName("input", cfg.Audio.Input.Device)
	validateProviderName("output", cfg.Audio.Output.Device)
	if cfg.Audio.Input.Device == "wav" && cfg.Audio.Input.Path == "" {
		errs = append(errs, errors.New("audio.input.path is required when device is wav"))
	}
	if cfg.Audio.Output.Device == "wav" && cfg.Audio.Output.Path == "" {
		errs = append(errs, errors.New("audio.output.path is required when device is wav"))
	}
	if cfg.Audio.Input.SampleRate < 0 || cfg.Audio.Output.SampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if cfg.Audio.Input.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.input.frame_size %d must be positive", cfg.Audio.Input.FrameSize))
	}
	if cfg.Audio.Input.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("audio.input.max_in_flight %d must be positive", cfg.Audio.Input.MaxInFlight))
	}

	// Session
	if cfg.Session.PermissionTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.permission_timeout %s must not be negative", cfg.Session.PermissionTimeout))
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}

	// Memory
	if cfg.Memory.PostgresDSN == "" {
		slog.Info("memory.postgres_dsn is empty; transcripts are kept in memory only")
	}
	if cfg.Memory.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("memory.queue_size %d must be positive", cfg.Memory.QueueSize))
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", *r))
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
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
