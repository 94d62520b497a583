package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/history"
)

func historySummary(ctx *commandContext) (history.Summary, error) {
	store, err := history.OpenReadOnly(ctx.configValue().HistoryPath())
	if err != nil {
		return history.Summary{}, fmt.Errorf("open history: %w", err)
	}
	defer store.Close()
	return store.Stats(context.Background())
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var pruneOlderThan time.Duration

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent daemon-served invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()

			if pruneOlderThan > 0 {
				store, err := history.Open(ctx.configValue().HistoryPath())
				if err != nil {
					return fmt.Errorf("open history: %w", err)
				}
				defer store.Close()
				pruned, err := store.Prune(cmd.Context(), pruneOlderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Pruned %d entries older than %s\n", pruned, pruneOlderThan)
				return nil
			}

			store, err := history.OpenReadOnly(ctx.configValue().HistoryPath())
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(stdout, "No invocations recorded")
				return nil
			}
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(stdout, "No invocations recorded")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					entry.StartedAt.Local().Format("2006-01-02 15:04:05"),
					entry.Command,
					entry.Kind,
					fmt.Sprintf("%d", entry.ExitCode),
					formatDurationMS(entry.DurationMS),
				})
			}
			table := renderTable(
				[]string{"Started", "Command", "Kind", "Exit", "Duration"},
				rows,
				4, 5,
			)
			fmt.Fprintln(stdout, table)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show")
	cmd.Flags().DurationVar(&pruneOlderThan, "prune-older-than", 0, "Delete entries older than this duration instead of listing")
	return cmd
}
