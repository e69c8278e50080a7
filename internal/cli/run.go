package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"keyq/internal/app"
)

// stopTimeout bounds the whole shutdown sequence.
const stopTimeout = 15 * time.Second

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job daemon",
		Long: `Run the daemon: load the config, fire jobs on their schedules and record
every run. The config file is watched and reloaded on change.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			a, err := app.NewApp(cfgPath)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := a.Start(cmd.Context()); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopAppStop
			select {
			case sig := <-sigs:
				reason = app.StopReasonFromSignal(sig)
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(ctx, reason)
			return a.Err()
		},
	}
	cmd.Flags().StringP("config", "c", "./keyq.yaml", "Path to the config file (JSON or YAML)")
	return cmd
}
