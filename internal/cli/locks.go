package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"keyq/pkg/dirmutex"
	"keyq/pkg/keyq"
)

func newLocksCommand() *cobra.Command {
	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clear cross-process locks",
	}
	locksCmd.PersistentFlags().String("lock-dir", "", "Lock path shared with the daemon (queue.lock.dir)")
	locksCmd.AddCommand(
		newLocksListCommand(),
		newLocksPathCommand(),
		newLocksClearCommand(),
	)
	return locksCmd
}

func lockerFromFlags(cmd *cobra.Command) (*dirmutex.Locker, error) {
	dir, _ := cmd.Flags().GetString("lock-dir")
	if dir == "" {
		return nil, errors.New("--lock-dir is required")
	}
	return dirmutex.New(keyq.LockDir(dir), dirmutex.WithWatcher(false)), nil
}

func newLocksListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys whose lock is currently held",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := lockerFromFlags(cmd)
			if err != nil {
				return err
			}
			defer l.Close()
			keys, err := l.Held()
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				if keys == nil {
					keys = []string{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(keys)
			}
			for _, k := range keys {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print a JSON array")
	return cmd
}

func newLocksPathCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print the mutex directory used for a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, _ := cmd.Flags().GetString("key")
			if key == "" {
				return errors.New("--key is required")
			}
			l, err := lockerFromFlags(cmd)
			if err != nil {
				return err
			}
			defer l.Close()
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), l.Path(key))
			return nil
		},
	}
	cmd.Flags().String("key", "", "Resource key")
	return cmd
}

func newLocksClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every lock (only safe when no keyq process is running)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := lockerFromFlags(cmd)
			if err != nil {
				return err
			}
			defer l.Close()
			if err := l.Reset(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cleared:", l.Dir())
			return nil
		},
	}
}
