package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"keyq/internal/app"
	"keyq/internal/config"
	logx "keyq/pkg/logx"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job runs from the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			job, _ := cmd.Flags().GetString("job")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, err := config.NewManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("storage is disabled in " + cfgPath)
			}
			defer store.Close()

			runs, err := store.RecentRuns(cmd.Context(), job, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "FINISHED\tJOB\tKEY\tSTATUS\tEXIT\tDURATION\tERROR")
			for _, r := range runs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.Finished.Local().Format(time.DateTime), r.Job, r.Key, r.Status, r.ExitCode,
					r.Duration.Round(time.Millisecond), oneLine(r.Error))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringP("config", "c", "./keyq.yaml", "Path to the config file (JSON or YAML)")
	cmd.Flags().String("job", "", "Only show runs of this job")
	cmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func oneLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
