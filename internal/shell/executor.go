package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Executor runs a single shell command line.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands with the local /bin/sh.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.WaitDelay = 500 * time.Millisecond
	if workDir != "" {
		c.Dir = workDir
	}
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err := c.Run()
	if err == nil {
		return outBuf.String(), errBuf.String(), 0, nil
	}
	if ctx.Err() != nil {
		return outBuf.String(), errBuf.String(), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
	}
	return outBuf.String(), errBuf.String(), -1, err
}
