// Package command runs external programs for the worker.
//
// Every host side effect (ip, ovs-vsctl, iptables, qemu-img, the hypervisor,
// the display proxy, process table queries) goes through a Runner so callers
// can be exercised against fakes.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the captured outcome of one child process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the process exited zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes argv and captures its output.
//
// Run returns an error only when the process could not be started at all;
// a nonzero exit is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, argv ...string) (Result, error)
}

// ProcessError is returned by RunStrict when a child exits nonzero.
type ProcessError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProcessError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg != "" {
		return fmt.Sprintf("command %s failed: exit status %d: %s", e.CommandLine(), e.ExitCode, msg)
	}
	return fmt.Sprintf("command %s failed: exit status %d", e.CommandLine(), e.ExitCode)
}

// CommandLine joins argv for logs.
func (e *ProcessError) CommandLine() string {
	return strings.Join(e.Argv, " ")
}

// AsProcessError unwraps err into a ProcessError when possible.
func AsProcessError(err error) (*ProcessError, bool) {
	var procErr *ProcessError
	if errors.As(err, &procErr) {
		return procErr, true
	}
	return nil, false
}

// RunStrict runs argv and converts a nonzero exit into a *ProcessError.
func RunStrict(ctx context.Context, r Runner, argv ...string) (Result, error) {
	res, err := r.Run(ctx, argv...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &ProcessError{
			Argv:     append([]string(nil), argv...),
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode < 0 {
				// killed by a signal
				res.ExitCode = 128
			}
			return res, nil
		}
		return res, fmt.Errorf("command %s failed: %w", strings.Join(argv, " "), err)
	}
	return res, nil
}
