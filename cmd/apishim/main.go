// Command apishim resolves the sharebox API base URL, rewrites legacy API URLs and runs
// the rewriting dev proxy.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sharebox/apishim"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app holds what the commands share: the flag bound viper instance and the logger
type app struct {
	viper     *viper.Viper
	configDir string
	verbose   bool
	logger    *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{viper: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "apishim",
		Short: "apishim - sharebox API request rewriter",
		Long: `apishim redirects requests aimed at the legacy local development endpoint
(localhost:3000 / localhost:3001) to the configured API base URL and makes sure every
request to the backend carries the /api prefix.

The base URL is resolved from, in order: --api-base-url (or APISHIM_API_BASE_URL),
the value linked into the binary, API_BASE_URL in the .env file, the production URL
when the page host is not loopback, and finally the local development URL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configDir, "config-dir", "", "configuration directory (default is the apishim folder in the user config dir)")
	flags.String("api-base-url", "", "override the API base URL")
	flags.String("page-host", "", "host the client application is served from")
	flags.String("env-file", "", ".env file holding API_BASE_URL")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	a.viper.BindPFlag("api_base_url", flags.Lookup("api-base-url"))
	a.viper.BindPFlag("page_host", flags.Lookup("page-host"))
	a.viper.BindPFlag("env_file", flags.Lookup("env-file"))

	rootCmd.AddCommand(
		newServeCmd(a),
		newRewriteCmd(a),
		newResolveCmd(a),
		newJournalCmd(a),
		newStatsCmd(a),
		newLogsCmd(a),
		newScopeCmd(a),
	)
	return rootCmd
}

// loadConfig reads the configuration with the command line flags layered on top
func (a *app) loadConfig() (*apishim.Config, error) {
	dir := a.configDir
	if dir == "" {
		var err error
		dir, err = apishim.DefaultConfigDir()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := apishim.LoadConfig(a.viper, dir)
	if err != nil {
		return nil, fmt.Errorf("loading config : %w", err)
	}
	return cfg, nil
}

// rewriter resolves the base URL and builds the Rewriter for cfg
func (a *app) rewriter(cfg *apishim.Config) (*apishim.Rewriter, error) {
	baseURL := apishim.ResolveBaseURL(apishim.DefaultProviders(cfg)...)
	rw, err := apishim.NewRewriter(cfg.Rules(baseURL))
	if err != nil {
		return nil, fmt.Errorf("creating rewriter : %w", err)
	}
	return rw, nil
}
