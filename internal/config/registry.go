package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// OutputDevice is an [audio.Output] that owns a device and must be closed.
type OutputDevice interface {
	audio.Output
	Close() error
}

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]func(ProviderEntry) (live.Transport, error)
	input  map[string]func(InputConfig) (audio.MicrophoneSource, error)
	output map[string]func(OutputConfig) (OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]func(ProviderEntry) (live.Transport, error)),
		input:  make(map[string]func(InputConfig) (audio.MicrophoneSource, error)),
		output: make(map[string]func(OutputConfig) (OutputDevice, error)),
	}
}

// RegisterLive registers a live transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Transport, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterInput registers a microphone driver under name.
func (r *Registry) RegisterInput(name string, factory func(InputConfig) (audio.MicrophoneSource, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a speaker driver under name.
func (r *Registry) RegisterOutput(name string, factory func(OutputConfig) (OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateLive instantiates a live transport using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Transport, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateInput instantiates the microphone driver named by cfg.Device.
func (r *Registry) CreateInput(cfg InputConfig) (audio.MicrophoneSource, error) {
	r.mu.RLock()
	factory, ok := r.input[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// CreateOutput instantiates the speaker driver named by cfg.Device.
func (r *Registry) CreateOutput(cfg OutputConfig) (OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// LiveNames returns the registered live transport names.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	return names
}

// LiveSession converts the live section and the primary provider's model
// into the connection config sent on every start.
func (c *Config) LiveSession() live.Config {
	mods := make([]live.Modality, 0, len(c.Live.ResponseModalities))
	for _, m := range c.Live.ResponseModalities {
		mods = append(mods, live.Modality(m))
	}
	return live.Config{
		Model:               c.Providers.Live.Model,
		InputSampleRate:     c.Audio.Input.SampleRate,
		ResponseModalities:  mods,
		InputTranscription:  c.Live.InputTranscription,
		OutputTranscription: c.Live.OutputTranscription,
		Voice:               c.Live.Voice,
		SystemInstruction:   c.Live.SystemInstruction,
	}
}
