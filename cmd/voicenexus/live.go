package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicenexus/internal/app"
	"github.com/MrWong99/voicenexus/internal/config"
	"github.com/MrWong99/voicenexus/internal/session"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Talk to the model on the local devices until Ctrl+C",
	Long: `Start one session on the configured microphone and speaker and print the
transcript as it arrives. The command exits when interrupted or when the
model ends the session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runLive(cmd.Context())
	},
}

func runLive(parent context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ended := make(chan struct{})
	var active bool
	application, err := app.New(ctx, cfg, reg,
		app.WithTranscriptHook(func(_ string, e session.TranscriptEntry) {
			fmt.Fprintf(os.Stdout, "%s: %s\n", e.Speaker, e.Text)
		}),
		app.WithStateHook(func(_ string, st session.State) {
			// State callbacks are serialised, so active needs no lock.
			switch st {
			case session.StateActive:
				active = true
			case session.StateIdle:
				if active {
					active = false
					close(ended)
				}
			}
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	st, err := application.Manager().Start(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Fprintf(os.Stderr, "session %s active on %s; press Ctrl+C to stop\n", st.SessionID, st.Transport)

	select {
	case <-ctx.Done():
		_, err := application.Manager().Stop()
		return err
	case <-ended:
		if err := application.Manager().Status().Error; err != "" {
			return fmt.Errorf("session ended: %s", err)
		}
		return nil
	}
}
