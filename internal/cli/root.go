// Package cli contains the cobra commands of the keyq binary.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ExitTempFail is returned by `keyq exec` when the lock was not acquired
// (EX_TEMPFAIL from sysexits.h), so callers can retry later.
const ExitTempFail = 75

// ExitError carries a specific process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewRoot constructs the keyq root command with every subcommand registered.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "keyq",
		Short: "Per-key serialized job scheduler",
		Long: `keyq runs commands so that work sharing a key never overlaps, inside one
process or, with a lock directory, across processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(),
		newExecCommand(),
		newLocksCommand(),
		newHistoryCommand(),
		newCheckCommand(),
	)
	return root
}

// Execute runs the root command and returns the process exit status.
func Execute() int {
	err := NewRoot().Execute()
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}
