// Package genai implements live.Transport on top of the official Google Gen AI
// SDK (google.golang.org/genai).
//
// Unlike package gemini, which speaks the BidiGenerateContent protocol over a
// hand-managed WebSocket, this transport delegates framing, authentication
// and backend selection (Gemini API or Vertex AI) to the SDK's Live client.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
)

var (
	_ live.Transport = (*Transport)(nil)
	_ live.Conn      = (*conn)(nil)
)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	eventBuffer  = 64
)

// Option configures a Transport.
type Option func(*Transport)

// WithModel sets the default model used when live.Config.Model is empty.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithVertexAI routes connections through Vertex AI instead of the Gemini API.
// Credentials are resolved by the SDK from the environment.
func WithVertexAI(project, location string) Option {
	return func(t *Transport) {
		t.backend = genai.BackendVertexAI
		t.project = project
		t.location = location
	}
}

// Transport opens Live sessions through the Gen AI SDK.
type Transport struct {
	apiKey   string
	model    string
	backend  genai.Backend
	project  string
	location string

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Transport authenticating with apiKey.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:  apiKey,
		model:   defaultModel,
		backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements live.Transport.
func (t *Transport) Name() string { return "gemini-genai" }

// clientFor lazily creates the SDK client; it is reused across connections.
func (t *Transport) clientFor(ctx context.Context) (*genai.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	cc := &genai.ClientConfig{Backend: t.backend}
	if t.backend == genai.BackendVertexAI {
		cc.Project = t.project
		cc.Location = t.location
	} else {
		cc.APIKey = t.apiKey
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	t.client = client
	return client, nil
}

// Open implements live.Transport. The SDK sends the setup message during
// Connect, so the connection reports [live.EventOpened] immediately.
func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Conn, error) {
	client, err := t.clientFor(ctx)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = t.model
	}
	sess, err := client.Live.Connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	c := &conn{
		sess:   sess,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	c.events <- live.Event{Type: live.EventOpened}
	go c.receiveLoop()
	return c, nil
}

func liveConfig(cfg live.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}
	for _, m := range cfg.Modalities() {
		switch m {
		case live.ModalityAudio:
			lc.ResponseModalities = append(lc.ResponseModalities, genai.ModalityAudio)
		case live.ModalityText:
			lc.ResponseModalities = append(lc.ResponseModalities, genai.ModalityText)
		}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// toMessage converts SDK server content into a live.Message. Inline audio is
// re-encoded as base64 so every transport delivers the same payload shape.
func toMessage(sc *genai.LiveServerContent) (msg live.Message, ok bool) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			msg.Audio = append(msg.Audio, live.AudioPayload{
				Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
				MIMEType: p.InlineData.MIMEType,
			})
		}
	}
	if sc.InputTranscription != nil {
		msg.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		msg.OutputTranscript = sc.OutputTranscription.Text
	}
	msg.Interrupted = sc.Interrupted
	msg.TurnComplete = sc.TurnComplete

	ok = len(msg.Audio) > 0 || msg.InputTranscript != "" || msg.OutputTranscript != "" ||
		msg.Interrupted || msg.TurnComplete
	return msg, ok
}

type conn struct {
	sess   *genai.Session
	events chan live.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *conn) emit(ev live.Event) {
	select {
	case <-c.done:
		select {
		case c.events <- ev:
		default:
		}
	default:
		select {
		case c.events <- ev:
		case <-c.done:
		}
	}
}

func (c *conn) receiveLoop() {
	var closeErr error
	defer func() {
		c.emit(live.Event{Type: live.EventClosed, Err: closeErr})
		close(c.events)
	}()

	for {
		msg, err := c.sess.Receive()
		if err != nil {
			select {
			case <-c.done:
			default:
				closeErr = fmt.Errorf("genai: receive: %w", err)
			}
			return
		}
		if msg.ServerContent != nil {
			if m, ok := toMessage(msg.ServerContent); ok {
				c.emit(live.Event{Type: live.EventMessage, Message: m})
			}
		}
		if msg.GoAway != nil {
			slog.Info("genai: server announced disconnect")
		}
	}
}

// Send implements live.Conn. The base64 chunk is decoded back to raw PCM
// because the SDK performs its own encoding.
func (c *conn) Send(_ context.Context, chunk audio.EncodedChunk) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return live.ErrClosed
	}

	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("genai: send: %w", err)
	}
	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.MIMEType(16000)
	}
	return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: mime, Data: raw},
	})
}

// Events implements live.Conn.
func (c *conn) Events() <-chan live.Event { return c.events }

// Close implements live.Conn. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if err := c.sess.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
