package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/keyrotate/internal/config"
	"github.com/systmms/keyrotate/internal/rotation/storage"
	"gopkg.in/yaml.v3"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand(cfg *config.Config) *cobra.Command {
	var (
		historyLimit  int
		historyStatus string
		historyFormat string
		historyDir    string
		pruneOlder    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [account]",
		Short: "Show recorded rotation runs",
		Long: `Display recorded rotation runs, newest first.

Each entry shows when the run started, whether it completed or the stage it
halted at, the prefix of the key it created and how many aged keys it deleted.`,
		Example: `  # Show the last 10 runs
  keyrotate history --limit 10

  # Show halted runs of one account as JSON
  keyrotate history mtk-connect-admin --status halted --format json

  # Drop records older than 90 days
  keyrotate history --prune 2160h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			dir := historyDir
			if dir == "" {
				dir = cfg.Definition.History.Dir
			}
			if dir == "" {
				dir = storage.DefaultStorageDir()
			}
			store := storage.NewFileStorage(dir)

			if pruneOlder > 0 {
				removed, err := store.Prune(pruneOlder)
				if err != nil {
					return fmt.Errorf("failed to prune history: %w", err)
				}
				cfg.Logger.Info("Removed %d run records older than %s", removed, pruneOlder)
			}

			var (
				runs []storage.RunRecord
				err  error
			)
			if len(args) > 0 {
				runs, err = store.ListRuns(args[0], historyLimit)
			} else {
				runs, err = store.ListAllRuns(historyLimit)
			}
			if err != nil {
				return fmt.Errorf("failed to get history: %w", err)
			}

			filtered := filterRuns(runs, historyStatus)

			out := cmd.OutOrStdout()
			switch historyFormat {
			case "json":
				return outputHistoryJSON(out, filtered)
			case "yaml":
				return outputHistoryYAML(out, filtered)
			case "table":
				return outputHistoryTable(out, filtered)
			default:
				return fmt.Errorf("unknown format %q (use table, json or yaml)", historyFormat)
			}
		},
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of entries to show")
	cmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status: completed, halted")
	cmd.Flags().StringVar(&historyFormat, "format", "table", "Output format: table, json, yaml")
	cmd.Flags().StringVar(&historyDir, "history-dir", "", "Run history directory")
	cmd.Flags().DurationVar(&pruneOlder, "prune", 0, "Remove records older than this duration before listing")

	return cmd
}

func filterRuns(runs []storage.RunRecord, status string) []storage.RunRecord {
	filtered := []storage.RunRecord{}
	for _, run := range runs {
		if status != "" && !strings.EqualFold(run.Status, status) {
			continue
		}
		filtered = append(filtered, run)
	}
	return filtered
}

func outputHistoryTable(out io.Writer, runs []storage.RunRecord) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No rotation history found matching criteria")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TIMESTAMP\tACCOUNT\tSTATUS\tHALTED AT\tNEW KEY\tRETIRED\tDURATION")
	fmt.Fprintln(w, "---------\t-------\t------\t---------\t-------\t-------\t--------")

	for _, run := range runs {
		haltedAt := run.HaltedAt
		if haltedAt == "" {
			haltedAt = "-"
		}
		keyPrefix := "-"
		if run.NewKeyPrefix != "" {
			keyPrefix = run.NewKeyPrefix + "…"
		}
		retired := fmt.Sprintf("%d", len(run.RetiredKeys))
		if n := len(run.FailedDeletions); n > 0 {
			retired = fmt.Sprintf("%s (%d failed)", retired, n)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.Timestamp.Local().Format("2006-01-02 15:04:05"),
			run.Account,
			formatStatus(run.Status),
			haltedAt,
			keyPrefix,
			retired,
			formatDuration(run.Duration),
		)
	}

	fmt.Fprintf(w, "\nShowing %d entries\n", len(runs))
	return nil
}

func outputHistoryJSON(out io.Writer, runs []storage.RunRecord) error {
	result := map[string]interface{}{
		"count":   len(runs),
		"entries": runs,
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func outputHistoryYAML(out io.Writer, runs []storage.RunRecord) error {
	entries := make([]map[string]interface{}, len(runs))

	for i, run := range runs {
		entry := map[string]interface{}{
			"timestamp":   run.Timestamp.Format(time.RFC3339),
			"account":     run.Account,
			"status":      run.Status,
			"duration_ms": run.Duration.Milliseconds(),
		}
		if run.HaltedAt != "" {
			entry["halted_at"] = run.HaltedAt
		}
		if run.Error != "" {
			entry["error"] = run.Error
		}
		if run.NewKeyPrefix != "" {
			entry["new_key_prefix"] = run.NewKeyPrefix
		}
		if len(run.RetiredKeys) > 0 {
			entry["retired_keys"] = run.RetiredKeys
		}
		if len(run.FailedDeletions) > 0 {
			entry["failed_deletions"] = run.FailedDeletions
		}
		entries[i] = entry
	}

	encoder := yaml.NewEncoder(out)
	defer encoder.Close()
	return encoder.Encode(map[string]interface{}{
		"count":   len(runs),
		"entries": entries,
	})
}
