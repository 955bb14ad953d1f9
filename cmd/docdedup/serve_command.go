package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/japaniel/docdedup/pkg/api"
	"github.com/japaniel/docdedup/pkg/logging"
	"github.com/japaniel/docdedup/pkg/metrics"
	"github.com/japaniel/docdedup/pkg/query"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only reporting API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			addr := cfg.API.Bind
			if cmd.Flags().Changed("bind") {
				addr = strings.TrimSpace(bind)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := ctx.logger(cmd)
			return ctx.withStore(func(conn *sql.DB) error {
				svc := query.New(conn)
				svc.Hasher = ctx.hasher()
				handler := api.NewServer(svc, metrics.New(), logging.Component(log, "api"))

				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return fmt.Errorf("listen on %s: %w", addr, err)
				}
				srv := &http.Server{
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					errCh <- srv.Serve(ln)
				}()
				log.Info().Str("addr", ln.Addr().String()).Str("store", cfg.Store.Path).Msg("api listening")

				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-runCtx.Done():
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				log.Info().Msg("api shutting down")
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown api: %w", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides api.bind)")
	return cmd
}
