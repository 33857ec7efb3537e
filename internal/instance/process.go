package instance

import (
	"context"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// process is one row of the host process table.
type process struct {
	PID  int
	Args string
}

// processes lists the host process table through the runner, so no pid
// bookkeeping survives between calls.
func (m *Manager) processes(ctx context.Context) ([]process, error) {
	res, err := m.run(ctx, "ps", "-eo", "pid=,args=")
	if err != nil {
		return nil, err
	}
	return parseProcessTable(res.Stdout), nil
}

func parseProcessTable(out string) []process {
	var procs []process
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 0 {
			continue
		}
		procs = append(procs, process{PID: pid, Args: strings.Join(fields[1:], " ")})
	}
	return procs
}

// killMatching sends SIGKILL to every process whose command line contains
// all needles. Kill failures are logged; the process may already be gone.
func (m *Manager) killMatching(ctx context.Context, needles ...string) (int, error) {
	procs, err := m.processes(ctx)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, p := range procs {
		if !containsAll(p.Args, needles) {
			continue
		}
		res, err := m.runner.Run(ctx, "kill", "-9", strconv.Itoa(p.PID))
		if err != nil || !res.Success() {
			m.logger.WithFields(logrus.Fields{"pid": p.PID, "stderr": strings.TrimSpace(res.Stderr)}).WithError(err).Warn("kill failed")
			continue
		}
		killed++
	}
	return killed, nil
}

func containsAll(s string, needles []string) bool {
	for _, n := range needles {
		if !strings.Contains(s, n) {
			return false
		}
	}
	return true
}
