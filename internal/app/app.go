// Package app wires the voicenexus subsystems into a running service.
//
// [New] builds the transcript store, the live transport with its fallbacks,
// the audio devices and the [SessionManager]. [App.Run] serves the HTTP
// control surface until the context ends, and [App.Shutdown] tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithTransport, ...). When an option is not provided, New creates the real
// implementation from the config and the provider registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicenexus/internal/config"
	"github.com/MrWong99/voicenexus/internal/health"
	"github.com/MrWong99/voicenexus/internal/observe"
	"github.com/MrWong99/voicenexus/internal/resilience"
	"github.com/MrWong99/voicenexus/internal/session"
	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/memory"
	"github.com/MrWong99/voicenexus/pkg/memory/postgres"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
)

// serverShutdownTimeout bounds draining in-flight HTTP requests.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	cfgSource func() *config.Config
	reg       *config.Registry
	metrics   *observe.Metrics

	store     memory.SessionStore
	guard     *memory.Guard
	writer    *memory.Writer
	transport live.Transport
	mics      audio.MicrophoneSource
	output    audio.Output
	checkers  []health.Checker

	onTranscript  func(string, session.TranscriptEntry)
	onStateChange func(string, session.State)

	manager *SessionManager
	handler http.Handler

	mu       sync.Mutex
	addr     net.Addr
	listener net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a transcript store instead of creating one from
// memory.postgres_dsn.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithTransport injects the live transport instead of building it from
// providers.live and providers.fallbacks.
func WithTransport(t live.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithMicrophones injects the microphone source.
func WithMicrophones(m audio.MicrophoneSource) Option {
	return func(a *App) { a.mics = m }
}

// WithOutput injects the playback device. The caller keeps ownership.
func WithOutput(o audio.Output) Option {
	return func(a *App) { a.output = o }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigSource makes every session start read its config from fn, e.g.
// [config.Watcher.Current] for hot reload.
func WithConfigSource(fn func() *config.Config) Option {
	return func(a *App) { a.cfgSource = fn }
}

// WithTranscriptHook observes transcript entries of every session.
func WithTranscriptHook(fn func(sessionID string, e session.TranscriptEntry)) Option {
	return func(a *App) { a.onTranscript = fn }
}

// WithStateHook observes state transitions of every session.
func WithStateHook(fn func(sessionID string, st session.State)) Option {
	return func(a *App) { a.onStateChange = fn }
}

// WithListener serves HTTP on ln instead of server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. reg supplies the transport and device factories for
// every dependency not injected through opts; it may be nil when all of
// them are injected.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.cfgSource == nil {
		a.cfgSource = func() *config.Config { return cfg }
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initMemory(ctx); err != nil {
		a.abort()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}
	if err := a.initTransport(); err != nil {
		a.abort()
		return nil, fmt.Errorf("app: init transport: %w", err)
	}
	if err := a.initDevices(); err != nil {
		a.abort()
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	a.manager = NewSessionManager(SessionManagerConfig{
		Config:        a.cfgSource,
		Transport:     a.transport,
		Microphones:   a.mics,
		Output:        a.output,
		Writer:        a.writer,
		Store:         a.guard,
		Metrics:       a.metrics,
		OnTranscript:  a.onTranscript,
		OnStateChange: a.onStateChange,
	})
	a.handler = a.buildHandler()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory opens the PostgreSQL store when a DSN is configured and falls
// back to process memory otherwise. Writes go through a [memory.Guard] so a
// database outage never reaches a live session.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Memory.PostgresDSN; dsn != "" {
			pg, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
			a.checkers = append(a.checkers, health.PingCheck("postgres", pg))
			slog.Info("transcript store: postgres")
		} else {
			a.store = memory.NewMemStore()
			slog.Info("transcript store: in-memory")
		}
	}

	a.guard = memory.NewGuard(a.store)
	a.writer = memory.NewWriter(a.guard, memory.WithQueueSize(a.cfg.Memory.QueueSize))
	a.checkers = append(a.checkers, health.Checker{
		Name:     "memory",
		Optional: true,
		Check: func(context.Context) error {
			if a.guard.IsDegraded() {
				return errors.New("last transcript write failed")
			}
			return nil
		},
	})
	return nil
}

// initTransport creates the primary live transport and wraps it with the
// configured fallbacks.
func (a *App) initTransport() error {
	if a.transport != nil {
		return nil
	}
	t, err := BuildTransport(a.cfg, a.reg)
	if err != nil {
		return err
	}
	a.transport = t
	return nil
}

// BuildTransport creates providers.live from reg and, when fallbacks are
// configured, wraps it in a [resilience.LiveFallback].
func BuildTransport(cfg *config.Config, reg *config.Registry) (live.Transport, error) {
	if reg == nil {
		return nil, errors.New("no provider registry")
	}
	primary, err := reg.CreateLive(cfg.Providers.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	slog.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name)
	if len(cfg.Providers.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewLiveFallback(primary, resilience.FallbackConfig{})
	for _, entry := range cfg.Providers.Fallbacks {
		t, err := reg.CreateLive(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", entry.Name, err)
		}
		fb.AddFallback(t)
		slog.Info("provider created", "kind", "live-fallback", "name", entry.Name)
	}
	return fb, nil
}

// initDevices opens the microphone source and the output device.
func (a *App) initDevices() error {
	if a.mics == nil {
		if a.reg == nil {
			return errors.New("no provider registry")
		}
		m, err := a.reg.CreateInput(a.cfg.Audio.Input)
		if err != nil {
			return fmt.Errorf("create input %q: %w", a.cfg.Audio.Input.Device, err)
		}
		a.mics = m
	}
	if a.output == nil {
		if a.reg == nil {
			return errors.New("no provider registry")
		}
		out, err := a.reg.CreateOutput(a.cfg.Audio.Output)
		if err != nil {
			return fmt.Errorf("create output %q: %w", a.cfg.Audio.Output.Device, err)
		}
		a.output = out
		a.closers = append(a.closers, out.Close)
	}
	return nil
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	NewAPI(a.manager).Register(mux)
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager.
func (a *App) Manager() *SessionManager { return a.manager }

// Handler returns the HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the address the HTTP server listens on, or nil before Run.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
// It returns nil after a graceful stop.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session, flushes queued transcript entries and closes
// every subsystem. Only the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if a.manager != nil {
			if err := a.manager.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.writer != nil {
			if err := a.writer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush transcripts: %w", err))
			}
			if n := a.writer.Dropped(); n > 0 {
				slog.Warn("transcript entries dropped", "count", n)
			}
		}
		if err := a.closeAll(); err != nil {
			errs = append(errs, err)
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// abort releases what New acquired before it failed.
func (a *App) abort() {
	if a.writer != nil {
		_ = a.writer.Close(context.Background())
	}
	_ = a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
