package main

import (
	"log/slog"

	"github.com/MrWong99/voicenexus/internal/config"
	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/audio/portaudio"
	"github.com/MrWong99/voicenexus/pkg/audio/wavfile"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
	"github.com/MrWong99/voicenexus/pkg/provider/live/gemini"
	"github.com/MrWong99/voicenexus/pkg/provider/live/genai"
	"github.com/MrWong99/voicenexus/pkg/provider/live/openai"
)

// registerBuiltinProviders wires every built-in transport and device factory
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live transports ──────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Transport, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("gemini-genai", func(entry config.ProviderEntry) (live.Transport, error) {
		var opts []genai.Option
		if entry.Model != "" {
			opts = append(opts, genai.WithModel(entry.Model))
		}
		if project := optString(entry.Options, "vertex_project"); project != "" {
			opts = append(opts, genai.WithVertexAI(project, optString(entry.Options, "vertex_location")))
		}
		return genai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai-realtime", func(entry config.ProviderEntry) (live.Transport, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	// ── Input ────────────────────────────────────────────────────────────────

	reg.RegisterInput("portaudio", func(cfg config.InputConfig) (audio.MicrophoneSource, error) {
		return &portaudio.MicrophoneSource{DeviceIndex: config.DeviceIndexOr(cfg.DeviceIndex, -1)}, nil
	})

	reg.RegisterInput("wav", func(cfg config.InputConfig) (audio.MicrophoneSource, error) {
		return &wavfile.MicrophoneSource{Path: cfg.Path, Realtime: cfg.Realtime}, nil
	})

	// ── Output ───────────────────────────────────────────────────────────────

	reg.RegisterOutput("portaudio", func(cfg config.OutputConfig) (config.OutputDevice, error) {
		f := audio.Format{SampleRate: cfg.SampleRate, Channels: 1}
		return portaudio.OpenSpeaker(config.DeviceIndexOr(cfg.DeviceIndex, -1), f, cfg.FramesPerBuffer)
	})

	reg.RegisterOutput("wav", func(cfg config.OutputConfig) (config.OutputDevice, error) {
		f := audio.Format{SampleRate: cfg.SampleRate, Channels: 1}
		return wavfile.NewRecorder(cfg.Path, f, 0)
	})

	for _, name := range reg.LiveNames() {
		slog.Debug("registered provider", "kind", "live", "name", name)
	}
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
