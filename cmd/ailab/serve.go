package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbonduro/ailab/internal/intake"
	"github.com/vbonduro/ailab/internal/session"
	"github.com/vbonduro/ailab/internal/web"
	"github.com/vbonduro/ailab/internal/web/templates"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web interface and JSON API",
		Example: `  # Start on the address from LISTEN_ADDR (default :8080)
  ailab serve

  # Start on a custom address
  ailab serve --addr :3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()

			sessions := session.NewManager(a.service, a.service.MaxImages(), a.cfg.SessionTTL, a.logger)
			go sessions.Run(ctx)

			srv := web.NewServer(a.service, sessions, intake.NewProcessor(a.service.MaxImages()), templates.FS, a.logger)
			server := srv.NewHTTPServer(addr)

			serverErr := make(chan error, 1)
			go func() {
				a.logger.Info("starting server", "addr", addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-ctx.Done():
				a.logger.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					a.logger.Error("server shutdown failed", "error", err)
					return err
				}
				a.logger.Info("server stopped")
				return nil
			case err := <-serverErr:
				a.logger.Error("server error", "error", err)
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "address to listen on (overrides LISTEN_ADDR)")
	return cmd
}
