package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; they take effect
// on the next session start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true if voice, instruction, modalities or transcription
	// flags changed.
	LiveChanged bool

	// SessionChanged is true if timeouts or transcript retention changed.
	SessionChanged bool

	// RestartRequired lists changed sections that only apply after restart.
	RestartRequired []string
}

// Changed reports whether any reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LiveChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Live.Voice != new.Live.Voice ||
		old.Live.SystemInstruction != new.Live.SystemInstruction ||
		old.Live.InputTranscription != new.Live.InputTranscription ||
		old.Live.OutputTranscription != new.Live.OutputTranscription ||
		!slices.Equal(old.Live.ResponseModalities, new.Live.ResponseModalities) ||
		old.Providers.Live.Model != new.Providers.Live.Model {
		d.LiveChanged = true
	}

	if old.Session != new.Session {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !samePtr(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEntry(old.Providers.Live, new.Providers.Live) || len(old.Providers.Fallbacks) != len(new.Providers.Fallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	} else {
		for i := range old.Providers.Fallbacks {
			if !sameEntry(old.Providers.Fallbacks[i], new.Providers.Fallbacks[i]) {
				d.RestartRequired = append(d.RestartRequired, "providers")
				break
			}
		}
	}
	if !sameInput(old.Audio.Input, new.Audio.Input) || !sameOutput(old.Audio.Output, new.Audio.Output) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}

	return d
}

// sameEntry compares provider identity. Model changes are reloadable.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL
}

func sameInput(a, b InputConfig) bool {
	return a.Device == b.Device && a.Path == b.Path && a.Realtime == b.Realtime &&
		a.SampleRate == b.SampleRate && a.FrameSize == b.FrameSize && a.MaxInFlight == b.MaxInFlight &&
		DeviceIndexOr(a.DeviceIndex, -1) == DeviceIndexOr(b.DeviceIndex, -1)
}

func sameOutput(a, b OutputConfig) bool {
	return a.Device == b.Device && a.Path == b.Path && a.SampleRate == b.SampleRate &&
		a.FramesPerBuffer == b.FramesPerBuffer &&
		DeviceIndexOr(a.DeviceIndex, -1) == DeviceIndexOr(b.DeviceIndex, -1)
}

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
