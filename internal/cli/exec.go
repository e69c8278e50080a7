package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"keyq/internal/fsutil"
	"keyq/pkg/dirmutex"
	"keyq/pkg/keyq"
	logx "keyq/pkg/logx"
)

func newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec --lock-dir DIR --key KEY [flags] -- COMMAND [ARGS...]",
		Short: "Run one command while holding the cross-process lock for a key",
		Long: `Run one command while holding the same directory mutex the daemon uses for
KEY, so it never overlaps with daemon jobs (or other exec calls) on that key.

Exits 75 when the lock could not be acquired within --wait; otherwise with the
command's own exit status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("lock-dir")
			key, _ := cmd.Flags().GetString("key")
			wait, _ := cmd.Flags().GetDuration("wait")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			verbose, _ := cmd.Flags().GetBool("verbose")
			// The empty key is a valid key; only an absent flag is an error.
			if dir == "" || !cmd.Flags().Changed("key") {
				return errors.New("--lock-dir and --key are required")
			}

			log := logx.Nop()
			if verbose {
				log = logx.NewConsole("debug")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lockDir := keyq.LockDir(dir)
			if !fsutil.EnsureDir(lockDir) {
				return fmt.Errorf("lock dir %s: %w", lockDir, dirmutex.ErrNoDir)
			}
			l := dirmutex.New(lockDir, dirmutex.WithLogger(log))
			defer l.Close()

			// 0 waits forever, as in dirmutex.
			ok, err := l.Acquire(ctx, key, wait)
			if err != nil {
				return &ExitError{Code: ExitTempFail, Err: err}
			}
			if !ok {
				return &ExitError{Code: ExitTempFail, Err: fmt.Errorf("%s: %w", key, keyq.ErrLockFailed)}
			}
			defer l.Release(key)

			return runLocked(ctx, cmd, args, timeout)
		},
	}
	cmd.Flags().String("lock-dir", "", "Lock path shared with the daemon (queue.lock.dir)")
	cmd.Flags().String("key", "", "Resource key to serialize on")
	cmd.Flags().Duration("wait", keyq.DefaultLockWait, "How long to wait for the lock; 0 waits forever")
	cmd.Flags().Duration("timeout", 0, "Kill the command after this long; 0 means no limit")
	cmd.Flags().BoolP("verbose", "v", false, "Log lock activity to stdout")
	return cmd
}

func runLocked(ctx context.Context, cmd *cobra.Command, args []string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdin = cmd.InOrStdin()
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()
	c.WaitDelay = 5 * time.Second

	err := c.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExitError{Code: 124, Err: fmt.Errorf("%s: %w", args[0], keyq.ErrTimeout)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}
