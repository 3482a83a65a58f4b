package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"filedaq/logging"
)

// ErrTimeout is returned when a command does not finish before its deadline.
var ErrTimeout = errors.New("command timed out")

// Result holds the captured output of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes program with script and path as its two arguments.
// A non-zero exit is reported in Result, not as an error; an error means
// the command could not be run to completion (missing binary, timeout).
type Runner interface {
	Run(ctx context.Context, program Program, script, path string) (*Result, error)
}

// ExecRunner runs commands as local processes.
type ExecRunner struct {
	// WaitDelay bounds how long output pipes are drained after the process
	// is killed. Zero means one second.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, program Program, script, path string) (*Result, error) {
	cmd := exec.CommandContext(ctx, string(program), script, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	logging.DebugLog("exec", "%s %q %s", program, script, path)
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", program, ErrTimeout)
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("run %s: %w", program, err)
	}
	return res, nil
}
