// Package capture streams microphone audio to a live transport.
//
// A [Pipeline] reads frames from an [audio.Microphone], encodes
// each frame concurrently, and hands the encoded chunks to a [Sender] strictly
// in capture order. Reading never waits on the network: frame N+1 may be
// captured while frame N is still being encoded or sent. The number of frames
// in flight is bounded; when the bound is reached the reader waits for the
// oldest frame to be sent.
//
// A failed send drops that frame only. Stale audio has no value once newer
// frames exist, so there is no retry.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicenexus/pkg/audio"
)

// ErrTransportSend wraps errors returned by [Sender.Send].
var ErrTransportSend = errors.New("capture: transport send")

const (
	defaultSampleRate  = 16000
	defaultMaxInFlight = 8
)

// Sender transmits one encoded chunk. It is typically a live.Conn.
type Sender interface {
	Send(ctx context.Context, chunk audio.EncodedChunk) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, chunk audio.EncodedChunk) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, chunk audio.EncodedChunk) error { return f(ctx, chunk) }

// Encoder converts one captured frame into a wire chunk.
type Encoder func(frame audio.AudioFrame) (audio.EncodedChunk, error)

// PCMEncoder is the default [Encoder]: base64 16-bit little-endian PCM tagged
// with the frame's sample rate.
func PCMEncoder(frame audio.AudioFrame) (audio.EncodedChunk, error) {
	chunk := audio.EncodeChunk(frame.Samples, frame.SampleRate)
	chunk.Seq = frame.Seq
	return chunk, nil
}

// Config tunes a [Pipeline]. Frame size is fixed by the microphone when it
// is acquired.
type Config struct {
	// SampleRate is the wire sample rate. Default: 16000.
	SampleRate int

	// MaxInFlight bounds how many frames may be encoding or awaiting
	// transmission at once. Default: 8.
	MaxInFlight int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	return c
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Captured   uint64
	Sent       uint64
	SendErrors uint64
	Discarded  uint64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithEncoder replaces the frame encoder. Used in tests to simulate variable
// encode latency.
func WithEncoder(enc Encoder) Option {
	return func(p *Pipeline) { p.encode = enc }
}

// WithSendErrorHandler registers fn to observe dropped frames.
func WithSendErrorHandler(fn func(seq uint64, err error)) Option {
	return func(p *Pipeline) { p.onSendErr = fn }
}

// WithSentHandler registers fn to observe every transmitted chunk.
func WithSentHandler(fn func(chunk audio.EncodedChunk)) Option {
	return func(p *Pipeline) { p.onSent = fn }
}

// pending is one frame travelling from the reader to the sender.
type pending struct {
	seq    uint64
	result chan encoded
}

type encoded struct {
	chunk audio.EncodedChunk
	err   error
}

// Pipeline moves frames from a microphone to a sender.
// Start and Stop are safe for concurrent use.
type Pipeline struct {
	mic    audio.Microphone
	sender Sender
	cfg    Config

	encode    Encoder
	onSendErr func(seq uint64, err error)
	onSent    func(chunk audio.EncodedChunk)

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	captured   atomic.Uint64
	sent       atomic.Uint64
	sendErrors atomic.Uint64
	discarded  atomic.Uint64
}

// New creates a Pipeline. Nothing is read until [Pipeline.Start].
func New(mic audio.Microphone, sender Sender, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:    mic,
		sender: sender,
		cfg:    cfg.withDefaults(),
		encode: PCMEncoder,
		done:   make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Start begins capturing. The pipeline runs until [Pipeline.Stop], until ctx
// is cancelled, or until the microphone stops producing frames. Calling Start
// more than once has no effect.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		queue := make(chan pending, p.cfg.MaxInFlight)
		go func() {
			select {
			case <-ctx.Done():
				p.Stop()
			case <-p.done:
			}
		}()
		go p.read(queue)
		go p.send(queue)
	})
}

// Stop halts capture immediately and releases the microphone before
// returning. Frames still being encoded or sent are discarded. It is safe to
// call more than once and before Start.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		if err := p.mic.Close(); err != nil {
			slog.Warn("capture: release microphone", "err", err)
		}
		p.startOnce.Do(func() { close(p.done) })
	})
}

// Done is closed once the sender has finished: after Stop, or after the
// microphone ran out and every captured frame was handled.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured:   p.captured.Load(),
		Sent:       p.sent.Load(),
		SendErrors: p.sendErrors.Load(),
		Discarded:  p.discarded.Load(),
	}
}

// read pulls frames from the microphone and starts an encoder per frame. The
// queue preserves capture order for the sender.
func (p *Pipeline) read(queue chan<- pending) {
	defer close(queue)

	frames := p.mic.Frames()
	var seq uint64
	for {
		var frame audio.AudioFrame
		var ok bool
		select {
		case <-p.ctx.Done():
			return
		case frame, ok = <-frames:
			if !ok {
				return
			}
		}

		seq++
		if frame.Seq == 0 {
			frame.Seq = seq
		}
		if frame.SampleRate == 0 {
			frame.SampleRate = p.cfg.SampleRate
		}
		p.captured.Add(1)

		item := pending{seq: frame.Seq, result: make(chan encoded, 1)}
		go func(frame audio.AudioFrame) {
			chunk, err := p.encode(frame)
			item.result <- encoded{chunk: chunk, err: err}
		}(frame)

		select {
		case queue <- item:
		case <-p.ctx.Done():
			return
		}
	}
}

// send transmits encoded chunks in capture order.
func (p *Pipeline) send(queue <-chan pending) {
	defer close(p.done)
	defer func() {
		// Anything left in the queue after Stop is discarded.
		for range queue {
			p.discarded.Add(1)
		}
	}()

	for item := range queue {
		var res encoded
		select {
		case res = <-item.result:
		case <-p.ctx.Done():
			p.discarded.Add(1)
			return
		}
		if p.ctx.Err() != nil {
			p.discarded.Add(1)
			return
		}

		if res.err != nil {
			// Out-of-range input is clamped by the codec, so only custom
			// encoders can fail here.
			p.dropFrame(item.seq, fmt.Errorf("capture: encode frame %d: %w", item.seq, res.err))
			continue
		}

		if err := p.sender.Send(p.ctx, res.chunk); err != nil {
			if p.ctx.Err() != nil {
				p.discarded.Add(1)
				return
			}
			p.dropFrame(item.seq, fmt.Errorf("%w: frame %d: %w", ErrTransportSend, item.seq, err))
			continue
		}
		p.sent.Add(1)
		if p.onSent != nil {
			p.onSent(res.chunk)
		}
	}
}

func (p *Pipeline) dropFrame(seq uint64, err error) {
	p.sendErrors.Add(1)
	slog.Warn("capture: dropping frame", "seq", seq, "err", err)
	if p.onSendErr != nil {
		p.onSendErr(seq, err)
	}
}
