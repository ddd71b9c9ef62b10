package pump

import (
	"context"
	"os/exec"
	"time"
)

// waitDelay bounds how long output pipes are drained after the process is
// killed, in case it left children holding them open
const waitDelay = 2 * time.Second

// Runner starts an external program and waits for it to exit.
// A non-zero exit status is reported as *exec.ExitError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	Dir string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.WaitDelay = waitDelay
	return cmd.CombinedOutput()
}
