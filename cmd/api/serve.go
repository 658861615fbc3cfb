package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/visapay/visapay/internal/api"
	"github.com/visapay/visapay/internal/auth"
	"github.com/visapay/visapay/internal/config"
)

func serveCmd() *cobra.Command {
	var memory bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API on SERVER_PORT.

Examples:
  visapay serve
  JWT_SECRET=dev visapay serve --memory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(memory); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, memory)
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.SweepInterval > 0 {
				go a.sweeper.Every(ctx, cfg.SweepInterval)
			}

			handler := api.NewHandler(a.services, auth.NewTokens(cfg.JWTSecret))
			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           handler.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				log.Printf("Server starting on :%s (%s)", cfg.Port, cfg.Env)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Printf("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&memory, "memory", false, "use the in-memory ledger instead of Postgres")
	return cmd
}
