package runner

import (
	"context"
	"errors"
	"time"

	"keyq/internal/config"
	"keyq/pkg/unitctl"
)

// UnitController performs systemd unit actions. *unitctl.Manager
// implements it.
type UnitController interface {
	Do(ctx context.Context, action unitctl.Action, unit string) (unitctl.Status, error)
}

var errNoUnits = errors.New("runner: no unit controller configured")

// runUnit applies a unit action. Output is the unit state afterwards;
// ExitCode is 0 on success and 1 when systemd reported a failed job.
func runUnit(ctx context.Context, units UnitController, u config.UnitJob) (*execResult, error) {
	res := &execResult{Started: time.Now(), ExitCode: -1}
	if units == nil {
		return res, errNoUnits
	}
	action, err := unitctl.ParseAction(u.Action)
	if err != nil {
		return res, err
	}
	st, err := units.Do(ctx, action, u.Name)
	res.Finished = time.Now()
	res.Output = string(action) + " " + st.String() + "\n"
	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case err != nil:
		res.ExitCode = 1
		return res, err
	}
	res.ExitCode = 0
	return res, nil
}
