package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sharebox/apishim"
	"github.com/sharebox/apishim/db"
	"github.com/sharebox/apishim/domain"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		logExchanges bool
		chrome       bool
		openURL      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rewriting dev proxy",
		Long: `Starts an HTTP proxy that rewrites every request passing through it and keeps
a journal of the exchanges. Point the browser (or HTTP_PROXY) at it, or send requests
for the legacy endpoint to it directly.

http://apishim.status/ answers with the effective base URL and the journal counters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			rw, err := a.rewriter(cfg)
			if err != nil {
				return err
			}

			dbConn, err := db.New(cfg.JournalPath())
			if err != nil {
				return fmt.Errorf("opening journal %s : %w", cfg.JournalPath(), err)
			}
			repo := db.NewJournalRepo(dbConn)
			defer repo.Close()

			if err := repo.RecordResolution(rw.BaseURL(), rw.BackendOrigin()); err != nil {
				return fmt.Errorf("recording resolution : %w", err)
			}

			options := []func(*apishim.Shim) error{
				apishim.WithLogger(a.logger),
				apishim.WithConfig(cfg),
				apishim.WithRewriter(rw),
				apishim.WithRepo(repo),
			}
			if logExchanges {
				options = append(options,
					apishim.WithRequestHandler(func(req domain.ExchangeRequest) error {
						a.logger.Info("request", "id", req.ID, "method", req.Method, "url", req.URL, "rewritten", req.Rewritten)
						return nil
					}),
					apishim.WithResponseHandler(func(res domain.ExchangeResponse) error {
						a.logger.Info("response", "id", res.ID, "status", res.StatusCode, "content_type", res.ContentType)
						return nil
					}),
				)
			}
			options = append(options, apishim.WithDefaultModifiers())

			shim, err := apishim.New(options...)
			if err != nil {
				return fmt.Errorf("creating shim : %w", err)
			}

			listener, err := shim.GetListener(cfg.ListenAddress, cfg.ListenPort)
			if err != nil {
				return err
			}
			// Serve may never take the listener over when shutdown comes first
			defer listener.Close()
			a.logger.Info("resolved api", "base_url", rw.BaseURL(), "backend_origin", rw.BackendOrigin())

			if chrome {
				if openURL == "" {
					openURL = "http://" + cfg.PageHost
				}
				if err := shim.StartChrome(openURL); err != nil {
					a.logger.Warn("launching chrome", "error", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				errc <- shim.Serve(listener)
			}()

			select {
			case <-ctx.Done():
				a.logger.Info("shutting down")
				shim.Close()
				return nil
			case err := <-errc:
				shim.Close()
				if err != nil && !errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("serving : %w", err)
				}
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&logExchanges, "log-exchanges", false, "log every journaled request and response")
	cmd.Flags().BoolVar(&chrome, "chrome", false, "launch Chrome with the shim as its proxy")
	cmd.Flags().StringVar(&openURL, "open", "", "page Chrome opens, defaults to the page host")
	cmd.Flags().String("listen-address", "", "address to listen on")
	cmd.Flags().String("listen-port", "", "port to listen on")
	cmd.Flags().Bool("insecure", false, "skip certificate verification upstream")
	a.viper.BindPFlag("listen_address", cmd.Flags().Lookup("listen-address"))
	a.viper.BindPFlag("listen_port", cmd.Flags().Lookup("listen-port"))
	a.viper.BindPFlag("insecure_upstream", cmd.Flags().Lookup("insecure"))
	return cmd
}
