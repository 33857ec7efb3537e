package network

import (
	"context"
	"errors"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
)

type runnerResponse struct {
	result command.Result
	err    error
}

// fakeRunner records argv and replays scripted responses in order.
type fakeRunner struct {
	calls     [][]string
	responses []runnerResponse
}

func (r *fakeRunner) Run(_ context.Context, argv ...string) (command.Result, error) {
	r.calls = append(r.calls, append([]string(nil), argv...))
	idx := len(r.calls) - 1
	if idx >= len(r.responses) {
		return command.Result{}, errors.New("unexpected command call")
	}
	resp := r.responses[idx]
	return resp.result, resp.err
}

func ok(stdout string) runnerResponse {
	return runnerResponse{result: command.Result{Stdout: stdout}}
}

func exit(code int) runnerResponse {
	return runnerResponse{result: command.Result{ExitCode: code, Stderr: "failed"}}
}
