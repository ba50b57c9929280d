package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var tickInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and run the task lifecycle engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, _, err := buildEngine(ctx, tickInterval)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}

			if err := e.Start(ctx); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}
			fmt.Println("duckling engine running, press Ctrl+C to stop")
			<-ctx.Done()
			e.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&tickInterval, "tick-interval", 0, "Override the scheduler tick cadence (default 60s)")
	return cmd
}
