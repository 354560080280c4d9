package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicenexus/internal/app"
	"github.com/MrWong99/voicenexus/internal/config"
	"github.com/MrWong99/voicenexus/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control service",
	Long: `Serve the session control API on server.listen_addr.

Changes to the config file are picked up without a restart: the log level
applies immediately, live and session settings apply to the next session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg, level, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("voicenexus starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Providers.Live.Name,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		slog.Info("config reloaded",
			"log_level_changed", d.LogLevelChanged,
			"live_changed", d.LiveChanged,
			"session_changed", d.SessionChanged,
		)
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes require a restart", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg, app.WithConfigSource(watcher.Current))
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return runErr
}

// initTelemetry installs the OpenTelemetry providers. The returned function
// flushes them.
func initTelemetry(ctx context.Context, cfg *config.Config) (func(), error) {
	pc := observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	}
	if r := cfg.Telemetry.SampleRatio; r != nil {
		pc.SampleRatio = *r
	}
	shutdown, err := observe.InitProvider(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}, nil
}
