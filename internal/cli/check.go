package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"keyq/internal/config"
	"keyq/internal/runner"
	"keyq/pkg/keyq"
	"keyq/pkg/unitctl"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file and list its jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.NewManager(cfgPath).Parse()
			if err != nil {
				return err
			}

			// A bare scheduler: Validate only compiles schedules, it touches no locks.
			sched, err := keyq.New(keyq.Config{})
			if err != nil {
				return err
			}
			defer sched.Close()
			r, err := runner.New(runner.Options{Scheduler: sched})
			if err != nil {
				return err
			}
			if err := r.Validate(cmd.Context(), cfg); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "JOB\tKEY\tSCHEDULE\tKIND\tPRIORITY\tTIMEOUT\tENABLED\tRUNS")
			for _, j := range cfg.Jobs {
				sc, _ := runner.ParseSchedule(j.Schedule)
				prio := keyq.DefaultPriority
				if j.Priority != nil {
					prio = *j.Priority
				}
				timeout := j.Timeout
				if timeout == "" {
					timeout = "-"
				}
				var runs string
				if j.Unit != nil {
					action, _ := unitctl.ParseAction(j.Unit.Action)
					runs = "unit " + string(action) + " " + j.Unit.Name
				} else {
					runs = "exec " + j.Command[0]
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
					j.Name, j.QueueKey(), sc.String(), sc.Kind, prio, timeout, !j.Disabled, runs)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d jobs)\n", cfgPath, len(cfg.Jobs))
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "./keyq.yaml", "Path to the config file (JSON or YAML)")
	return cmd
}
