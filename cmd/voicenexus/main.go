// Command voicenexus runs live voice conversations between a local
// microphone and speaker and a real-time speech model.
//
//	voicenexus serve       HTTP control service
//	voicenexus live        one session on local devices until Ctrl+C
//	voicenexus devices     list audio devices
//	voicenexus transcript  print stored transcripts
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicenexus/internal/config"
)

var (
	version    = "0.1.0"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "voicenexus",
	Short:         "Live audio sessions with real-time speech models",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	rootCmd.Version = version

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(transcriptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voicenexus: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config and installs the default logger. The returned
// level follows hot reloads.
func loadConfig() (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
		}
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, level, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// shutdownTimeout bounds App.Shutdown after a signal.
const shutdownTimeout = 15 * time.Second
