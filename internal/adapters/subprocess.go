// Package adapters holds the narrow façades the kernel consumes:
// messaging egress, subprocess execution, source control, the AI
// provider, audio transcription, and secret custody. Each adapter is a
// few methods behind an interface, invoked with a timeout, and
// replaceable in tests.
package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"clawd/internal/logging"
	"clawd/internal/orchestrator"
)

// ExecRunner spawns real subprocesses.
type ExecRunner struct {
	log *logging.Logger
}

// NewExecRunner returns the production subprocess adapter.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{log: logging.Get(logging.CategoryAdapters)}
}

// Run executes name with args in cwd under a timeout. A timeout kills
// the process and reports Killed rather than returning an error; the
// caller decides what a killed stage means.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, cwd string, timeout time.Duration) (orchestrator.RunResult, error) {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug("exec %s %s (cwd=%s, timeout=%s)", name, strings.Join(args, " "), cwd, timeout)
	err := cmd.Run()

	res := orchestrator.RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		res.Killed = true
	case err == nil:
		res.Success = true
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !res.Killed {
		// Spawn failure (missing binary, bad cwd), not a non-zero exit.
		return res, fmt.Errorf("spawn %s: %w", name, err)
	}
	return res, nil
}

// SimulatedRunner is the dev-mode double: it never spawns anything and
// answers success with a marker so pipelines are testable off-host.
type SimulatedRunner struct {
	log *logging.Logger
}

// NewSimulatedRunner returns the dev-mode subprocess adapter.
func NewSimulatedRunner() *SimulatedRunner {
	return &SimulatedRunner{log: logging.Get(logging.CategoryAdapters)}
}

// Run simulates a successful invocation.
func (r *SimulatedRunner) Run(_ context.Context, name string, args []string, cwd string, _ time.Duration) (orchestrator.RunResult, error) {
	line := fmt.Sprintf("[DEV MODE] would execute %s %s in %s", name, strings.Join(args, " "), cwd)
	r.log.Info("%s", line)
	return orchestrator.RunResult{Success: true, Stdout: line, Simulated: true}, nil
}

// NewRunner picks the real runner on the deployment OS family and the
// simulation elsewhere. forceSimulate overrides the platform probe.
func NewRunner(forceSimulate bool) orchestrator.Runner {
	if forceSimulate || runtime.GOOS == "windows" {
		return NewSimulatedRunner()
	}
	return NewExecRunner()
}
