package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/sharebox/apishim"
	"github.com/sharebox/apishim/db"
	"github.com/sharebox/apishim/domain"
	"github.com/spf13/cobra"
)

func newRewriteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rewrite URL...",
		Short: "Print the rewritten form of each URL",
		Example: `  apishim rewrite http://localhost:3001/users/42
  apishim --api-base-url https://staging.example.com/api rewrite https://staging.example.com/users`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			rw, err := a.rewriter(cfg)
			if err != nil {
				return err
			}
			for _, raw := range args {
				fmt.Fprintln(cmd.OutOrStdout(), rw.Rewrite(raw))
			}
			return nil
		},
	}
}

func newResolveCmd(a *app) *cobra.Command {
	var last bool

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the API base URL and backend origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			if last {
				repo, err := openJournal(cfg)
				if err != nil {
					return err
				}
				defer repo.Close()

				resolution, err := repo.LastResolution()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "base_url: %s\nbackend_origin: %s\nresolved_at: %s\n",
					resolution.BaseURL, resolution.BackendOrigin, resolution.ResolvedAt.Format(time.RFC3339))
				return nil
			}

			rw, err := a.rewriter(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "base_url: %s\nbackend_origin: %s\n", rw.BaseURL(), rw.BackendOrigin())
			return nil
		},
	}

	cmd.Flags().BoolVar(&last, "last", false, "print the resolution recorded by the last serve instead")
	return cmd
}

func newJournalCmd(a *app) *cobra.Command {
	var (
		limit   int
		asJSON  bool
		showRaw bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List the exchanges recorded by serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			repo, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			summaries, err := repo.GetExchangeSummaries(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), summaries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMETHOD\tSTATUS\tREWRITTEN\tURL\tORIGINAL")
			for _, summary := range summaries {
				original := ""
				if summary.Rewritten {
					original = summary.OriginalURL
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%s\n",
					summary.ID, summary.Method, summary.StatusCode, summary.Rewritten, summary.URL, original)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of exchanges to list, 0 lists everything")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print a single exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing exchange id : %w", err)
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			repo, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			exchange, err := repo.GetExchange(id)
			if err != nil {
				return err
			}
			logs, err := repo.GetExchangeLogs(id)
			if err != nil {
				return err
			}
			if !showRaw {
				return writeJSON(cmd.OutOrStdout(), struct {
					*domain.Exchange
					Logs []*domain.Log `json:"logs,omitempty"`
				}{exchange, logs})
			}
			out := cmd.OutOrStdout()
			out.Write(exchange.Request.Raw)
			fmt.Fprint(out, "\n\n")
			out.Write(exchange.Response.Raw)
			fmt.Fprintln(out)
			if len(logs) > 0 {
				fmt.Fprintln(out)
				printLogs(out, logs)
			}
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showRaw, "raw", false, "print the raw request and response")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every exchange",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			repo, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			deleted, err := repo.DeleteExchanges()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d exchanges\n", deleted)
			return nil
		},
	}

	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the journal counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			repo, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			stats, err := apishim.CollectStats(repo)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exchanges: %d\nrewritten: %d\nfailed: %d\n",
				stats.Exchanges, stats.Rewritten, stats.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newLogsCmd(a *app) *cobra.Command {
	var requestID string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the log entries written by serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			repo, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			var logs []*domain.Log
			if requestID == "" {
				logs, err = repo.GetLogs()
			} else {
				id, parseErr := uuid.Parse(requestID)
				if parseErr != nil {
					return fmt.Errorf("parsing exchange id : %w", parseErr)
				}
				logs, err = repo.GetExchangeLogs(id)
			}
			if err != nil {
				return err
			}
			printLogs(cmd.OutOrStdout(), logs)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "only the entries written for this exchange")
	return cmd
}

func printLogs(w io.Writer, logs []*domain.Log) {
	for _, log := range logs {
		line := fmt.Sprintf("%s %-5s %s", log.Timestamp.Format(time.RFC3339), log.Level, log.Message)
		if log.RequestID != nil {
			line += " request_id=" + log.RequestID.String()
		} else if id, ok := log.Context["request_id"].(string); ok {
			line += " request_id=" + id + " (not journaled)"
		}
		fmt.Fprintln(w, line)
	}
}

func newScopeCmd(a *app) *cobra.Command {
	var (
		match   string
		exclude bool
	)

	cmd := &cobra.Command{
		Use:   "scope",
		Short: "List the rules deciding which exchanges are journaled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "default_allow: %t\n", cfg.Journal.DefaultAllow)
			for _, rule := range cfg.Journal.Include {
				fmt.Fprintf(out, "include %s %s\n", rule.Match, rule.Pattern)
			}
			for _, rule := range cfg.Journal.Exclude {
				fmt.Fprintf(out, "exclude %s %s\n", rule.Match, rule.Pattern)
			}
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add PATTERN",
		Short: "Add a journal rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return cfg.AddScopeRule(args[0], match, exclude)
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove PATTERN",
		Short: "Remove a journal rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return cfg.DeleteScopeRule(args[0], match, exclude)
		},
	}

	for _, sub := range []*cobra.Command{addCmd, removeCmd} {
		sub.Flags().StringVar(&match, "match", "host", "what the pattern is matched against: host or url")
		sub.Flags().BoolVar(&exclude, "exclude", false, "exclusion rule")
	}

	cmd.AddCommand(addCmd, removeCmd)
	return cmd
}

// openJournal opens the journal database, creating it and applying migrations when needed
func openJournal(cfg *apishim.Config) (*db.Repository, error) {
	path := cfg.JournalPath()
	if path == "" {
		return nil, errors.New("journal_file is not configured")
	}
	dbConn, err := db.New(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s : %w", path, err)
	}
	return db.NewJournalRepo(dbConn), nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
