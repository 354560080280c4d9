// Package mock provides an in-memory live.Transport for tests.
//
// The [Transport] records every Open call and hands out [Conn] values whose
// event stream is driven by the test through the Emit helpers. Sent chunks are
// recorded for inspection.
//
// Example:
//
//	tr := &mock.Transport{}
//	// ... start a session using tr ...
//	conn := tr.LastConn()
//	conn.EmitOpened()
//	conn.EmitAudio(payload, "audio/pcm;rate=24000")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
)

// Transport is a scriptable [live.Transport].
type Transport struct {
	// TransportName is returned by Name. Defaults to "mock".
	TransportName string

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// AutoOpen makes every new Conn emit EventOpened immediately.
	AutoOpen bool

	// Block, if non-nil, makes Open wait until Block is closed or ctx ends.
	Block chan struct{}

	// SendErr, if non-nil, is returned by Send on every Conn opened afterwards.
	SendErr error

	mu      sync.Mutex
	configs []live.Config
	conns   []*Conn
	opened  chan *Conn
}

var _ live.Transport = (*Transport)(nil)

// Name implements live.Transport.
func (t *Transport) Name() string {
	if t.TransportName == "" {
		return "mock"
	}
	return t.TransportName
}

// Open implements live.Transport.
func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Conn, error) {
	t.mu.Lock()
	t.configs = append(t.configs, cfg)
	openErr, block := t.OpenErr, t.Block
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	c := NewConn()
	c.sendErr = t.SendErr
	if t.AutoOpen {
		c.EmitOpened()
	}

	t.mu.Lock()
	t.conns = append(t.conns, c)
	ch := t.opened
	t.mu.Unlock()
	if ch != nil {
		select {
		case ch <- c:
		default:
		}
	}
	return c, nil
}

// Opened returns a channel that receives each Conn as Open creates it.
// It must be called before the connection is opened.
func (t *Transport) Opened() <-chan *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opened == nil {
		t.opened = make(chan *Conn, 16)
	}
	return t.opened
}

// Configs returns a copy of every Config passed to Open.
func (t *Transport) Configs() []live.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]live.Config, len(t.configs))
	copy(out, t.configs)
	return out
}

// CallCountOpen returns how many times Open was called.
func (t *Transport) CallCountOpen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.configs)
}

// Conns returns every successfully opened Conn.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, len(t.conns))
	copy(out, t.conns)
	return out
}

// LastConn returns the most recently opened Conn, or nil.
func (t *Transport) LastConn() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conn is a scriptable [live.Conn].
type Conn struct {
	events chan live.Event

	mu         sync.Mutex
	sent       []audio.EncodedChunk
	sendErr    error
	closed     bool
	finished   bool
	closeCalls int
}

var _ live.Conn = (*Conn)(nil)

// NewConn returns a Conn with a generously buffered event stream.
func NewConn() *Conn {
	return &Conn{events: make(chan live.Event, 256)}
}

// Send implements live.Conn.
func (c *Conn) Send(_ context.Context, chunk audio.EncodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, chunk)
	return nil
}

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event { return c.events }

// Close implements live.Conn. It emits EventClosed and closes the event
// stream the first time it is called.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.closed = true
	c.mu.Unlock()
	c.finish(nil)
	return nil
}

// SetSendErr changes the error returned by Send.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of every chunk accepted by Send.
func (c *Conn) Sent() []audio.EncodedChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.EncodedChunk, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CallCountClose returns how many times Close was called.
func (c *Conn) CallCountClose() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Emit pushes ev onto the event stream. It returns false once the stream has
// been closed.
func (c *Conn) Emit(ev live.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.events <- ev
	return true
}

// EmitOpened emits EventOpened.
func (c *Conn) EmitOpened() bool { return c.Emit(live.Event{Type: live.EventOpened}) }

// EmitMessage emits an EventMessage carrying msg.
func (c *Conn) EmitMessage(msg live.Message) bool {
	return c.Emit(live.Event{Type: live.EventMessage, Message: msg})
}

// EmitAudio emits a message carrying one audio payload.
func (c *Conn) EmitAudio(data, mime string) bool {
	return c.EmitMessage(live.Message{Audio: []live.AudioPayload{{Data: data, MIMEType: mime}}})
}

// EmitInterrupted emits a message with the interrupted flag set.
func (c *Conn) EmitInterrupted() bool {
	return c.EmitMessage(live.Message{Interrupted: true})
}

// EmitError emits EventError.
func (c *Conn) EmitError(err error) bool {
	return c.Emit(live.Event{Type: live.EventError, Err: err})
}

// Hangup simulates the remote side closing the connection: it emits
// EventClosed with err and closes the event stream.
func (c *Conn) Hangup(err error) { c.finish(err) }

func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.events <- live.Event{Type: live.EventClosed, Err: err}
	close(c.events)
}
