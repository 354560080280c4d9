// Package openai implements live.Transport for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime protocol. The API only
// accepts 24 kHz PCM16, so outbound chunks at other rates are resampled before
// they are appended to the input buffer. Server-side voice activity detection
// drives barge-in: input_audio_buffer.speech_started is reported as an
// interrupted message.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
)

var (
	_ live.Transport = (*Transport)(nil)
	_ live.Conn      = (*conn)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the only PCM16 rate the Realtime API accepts and emits.
	wireRate = 24000

	transcriptionModel = "whisper-1"
	eventBuffer        = 64
)

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the default model used when live.Config.Model is empty.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// Transport opens OpenAI Realtime connections.
type Transport struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates an OpenAI Realtime Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements live.Transport.
func (t *Transport) Name() string { return "openai-realtime" }

// Open dials the Realtime endpoint and sends a session.update. The connection
// reports [live.EventOpened] when the server announces session.created.
func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = t.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", t.baseURL, model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(8 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan live.Event, eventBuffer),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := c.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: buildSession(cfg)}); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go c.receiveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string           `json:"modalities,omitempty"`
	Voice                   string             `json:"voice,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *transcriptionSpec `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection     `json:"turn_detection,omitempty"`
}

type transcriptionSpec struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

func buildSession(cfg live.Config) sessionParams {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.SystemInstruction,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	// The Realtime API requires text alongside audio.
	mods := map[live.Modality]bool{}
	for _, m := range cfg.Modalities() {
		mods[m] = true
	}
	if mods[live.ModalityAudio] {
		params.Modalities = []string{"audio", "text"}
	} else {
		params.Modalities = []string{"text"}
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionSpec{Model: transcriptionModel}
	}
	return params
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan live.Event

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) emit(ev live.Event) {
	if c.ctx.Err() != nil {
		select {
		case c.events <- ev:
		default:
		}
		return
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *conn) emitMessage(msg live.Message) {
	c.emit(live.Event{Type: live.EventMessage, Message: msg})
}

// receiveLoop reads events from the WebSocket and translates them. It owns the
// events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	var closeErr error
	defer func() {
		c.emit(live.Event{Type: live.EventClosed, Err: closeErr})
		close(c.events)
	}()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				closeErr = fmt.Errorf("openai: read: %w", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		c.handleServerEvent(&evt)
	}
}

func (c *conn) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		c.emit(live.Event{Type: live.EventOpened})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		c.emitMessage(live.Message{Audio: []live.AudioPayload{{
			Data:     evt.Delta,
			MIMEType: audio.MIMEType(wireRate),
		}}})

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			c.emitMessage(live.Message{OutputTranscript: evt.Delta})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			c.emitMessage(live.Message{InputTranscript: evt.Transcript})
		}

	case "input_audio_buffer.speech_started":
		c.emitMessage(live.Message{Interrupted: true})

	case "response.done":
		c.emitMessage(live.Message{TurnComplete: true})

	case "error":
		pe := &live.ProtocolError{Provider: "openai"}
		if evt.Error != nil {
			pe.Status = evt.Error.Code
			pe.Message = evt.Error.Message
		}
		c.emit(live.Event{Type: live.EventError, Err: pe})
	}
}

// Send implements live.Conn. Chunks not already at 24 kHz are resampled.
func (c *conn) Send(ctx context.Context, chunk audio.EncodedChunk) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return live.ErrClosed
	}

	data := chunk.Data
	if rate, ok := audio.ParseMIMERate(chunk.MIMEType); ok && rate != wireRate {
		buf, err := audio.Decode(chunk.Data, rate, 1)
		if err != nil {
			return fmt.Errorf("openai: resample input: %w", err)
		}
		data = audio.Encode(audio.Resample(buf.Channels[0], rate, wireRate))
	}

	return c.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: data,
	})
}

// Events implements live.Conn.
func (c *conn) Events() <-chan live.Event { return c.events }

// Close terminates the connection. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
