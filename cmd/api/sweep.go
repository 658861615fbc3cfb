package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/visapay/visapay/internal/config"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale payment sessions and money requests once",
		Long: `Move every PENDING payment session and money request past its
deadline to EXPIRED. Meant to be run from cron or another scheduler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cfg.DBSource == "" {
				return fmt.Errorf("DB_SOURCE environment variable is required")
			}

			ctx := context.Background()
			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d sessions and %d requests\n", res.Sessions, res.Requests)
			return nil
		},
	}
}
