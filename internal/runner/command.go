package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultOutputLimit caps captured output when the config leaves it at 0.
const DefaultOutputLimit = 64 << 10

// killGrace bounds how long Wait may block on output pipes after a kill.
const killGrace = 5 * time.Second

// execResult is what a job's task function hands back through the Future.
type execResult struct {
	Started  time.Time
	Finished time.Time
	ExitCode int
	Output   string
}

// runCommand executes argv and returns its combined output, truncated to limit.
// A non-zero exit is an error; ExitCode is -1 when the process never ran or
// was killed.
func runCommand(ctx context.Context, argv []string, dir string, env map[string]string, limit int) (*execResult, error) {
	res := &execResult{Started: time.Now(), ExitCode: -1}
	if len(argv) == 0 {
		return res, errors.New("empty command")
	}
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = killGrace
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envList(env)...)
	}
	out := &capped{limit: limit}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res.Finished = time.Now()
	res.Output = out.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && ctx.Err() != nil {
		// Report the cancellation, not "signal: killed".
		return res, ctx.Err()
	}
	return res, err
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// capped keeps the first limit bytes written and counts the rest.
type capped struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (c *capped) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.dropped += len(p) - room
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capped) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped == 0 {
		return c.buf.String()
	}
	return c.buf.String() + "\n[truncated " + strconv.Itoa(c.dropped) + " bytes]"
}
