package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"storeflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var dispatchOnce bool

// dispatchCmd runs the redis resume dispatcher without the HTTP API, for
// deployments that scale delivery separately from the server.
var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver due resume tickets from the redis delay queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		if !needsRedis(cfg) {
			return fmt.Errorf("scheduler driver %q does not use the redis queue", cfg.Automation.Scheduler.Driver)
		}
		rdb := openRedis(cfg)
		defer rdb.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}

		d := newDispatcher(cfg, rdb, logrus.StandardLogger())
		if dispatchOnce {
			n, err := d.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d ticket(s)\n", n)
			return nil
		}
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	dispatchCmd.Flags().BoolVar(&dispatchOnce, "once", false, "process one batch of due tickets and exit")
}
