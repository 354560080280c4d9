package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/voicenexus/pkg/provider/live"
)

// LiveFallback is a [live.Transport] that opens connections on the first
// healthy provider of a [FallbackGroup]. Failover applies to Open only; once
// a connection exists it belongs to the provider that produced it.
type LiveFallback struct {
	group *FallbackGroup[live.Transport]
}

var _ live.Transport = (*LiveFallback)(nil)

// NewLiveFallback creates a [LiveFallback] with primary as the preferred
// transport.
func NewLiveFallback(primary live.Transport, cfg FallbackConfig) *LiveFallback {
	return &LiveFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers another transport tried after the existing ones.
func (f *LiveFallback) AddFallback(t live.Transport) {
	f.group.AddFallback(t.Name(), t)
}

// Name joins the provider names, e.g. "gemini-live>openai-realtime".
func (f *LiveFallback) Name() string {
	return strings.Join(f.group.Names(), ">")
}

// States reports the breaker state per provider.
func (f *LiveFallback) States() map[string]State {
	return f.group.States()
}

// Open implements live.Transport. cfg.Model applies to the primary only;
// fallbacks use the model they were constructed with.
func (f *LiveFallback) Open(ctx context.Context, cfg live.Config) (live.Conn, error) {
	primary := f.group.entries[0].name
	return Execute(ctx, f.group, func(name string, t live.Transport) (live.Conn, error) {
		c := cfg
		if name != primary {
			c.Model = ""
		}
		return t.Open(ctx, c)
	})
}
