package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicenexus/pkg/memory"
	"github.com/MrWong99/voicenexus/pkg/memory/postgres"
)

var (
	transcriptList  bool
	transcriptLimit int
	transcriptQuery string
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript [session-id]",
	Short: "Print a stored transcript",
	Long: `Print the transcript of a session from the PostgreSQL store configured in
memory.postgres_dsn. With --list, print the most recent sessions instead;
with --search, print matching fragments across sessions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Memory.PostgresDSN == "" {
			return errors.New("memory.postgres_dsn is not configured; transcripts are only kept in process memory")
		}
		ctx := cmd.Context()
		store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN)
		if err != nil {
			return err
		}
		defer store.Close()

		switch {
		case transcriptList:
			return printSessions(ctx, store, transcriptLimit)
		case transcriptQuery != "":
			opts := memory.SearchOpts{Limit: transcriptLimit}
			if len(args) == 1 {
				opts.SessionID = args[0]
			}
			entries, err := store.Search(ctx, transcriptQuery, opts)
			if err != nil {
				return err
			}
			printEntries(entries)
			return nil
		case len(args) == 1:
			entries, err := store.Entries(ctx, args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("session %q not found", args[0])
			}
			printEntries(entries)
			return nil
		default:
			return errors.New("a session ID, --list or --search is required")
		}
	},
}

func init() {
	transcriptCmd.Flags().BoolVar(&transcriptList, "list", false, "list recent sessions")
	transcriptCmd.Flags().IntVar(&transcriptLimit, "limit", 20, "maximum number of sessions or search results")
	transcriptCmd.Flags().StringVar(&transcriptQuery, "search", "", "keyword search across transcripts")
}

func printSessions(ctx context.Context, store memory.SessionStore, limit int) error {
	sessions, err := store.Sessions(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tENTRIES\tFIRST\tLAST")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ID, s.Entries,
			s.FirstEntry.Local().Format(time.DateTime), s.LastEntry.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printEntries(entries []memory.TranscriptEntry) {
	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Speaker, e.Text)
	}
}
