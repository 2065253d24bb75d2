// Package native implements sandbox.Backend without a container runtime:
// POSIX resource limits applied via a ulimit-wrapped shell invocation, and
// environment scrubbing applied unconditionally before exec.
package native

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/sandbox"
)

// Backend is the native sandbox.Backend. It has no external dependencies
// beyond a POSIX shell, at the cost of weaker isolation than the docker
// backend: it bounds resource use and strips dangerous environment
// variables, but does not confine the filesystem view the way Landlock or a
// container mount namespace would. Host callers needing filesystem
// confinement should prefer the docker backend.
type Backend struct{}

// New creates a native sandbox backend.
func New() *Backend { return &Backend{} }

// Spawn rewrites spec.Argv into `sh -c 'ulimit ...; exec "$0" "$@"' <argv>`
// so the resource limits in profile.Limits apply to the plugin process
// itself rather than to the astrid host process, scrubs its environment,
// and starts it.
func (b *Backend) Spawn(ctx context.Context, profile sandbox.Profile, spec sandbox.Spec) (sandbox.Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, errs.New(errs.KindValidation, "plugin command must not be empty")
	}

	ulimits := ulimitClauses(profile.Limits)
	script := "exec \"$0\" \"$@\""
	if len(ulimits) > 0 {
		script = strings.Join(ulimits, "; ") + "; " + script
	}

	cmd := exec.CommandContext(ctx, "sh", append([]string{"-c", script}, spec.Argv...)...)
	cmd.Dir = spec.WorkDir
	cmd.Env = sandbox.ScrubbedEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "open plugin stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, errs.Wrap(errs.KindIO, "open plugin stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, errs.Wrap(errs.KindLifecycle, "spawn sandboxed plugin process", err)
	}
	return &handle{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func ulimitClauses(limits sandbox.ResourceLimits) []string {
	var clauses []string
	if limits.MaxMemoryBytes > 0 {
		clauses = append(clauses, fmt.Sprintf("ulimit -v %d", limits.MaxMemoryBytes/1024))
	}
	if limits.MaxCPUSeconds > 0 {
		clauses = append(clauses, fmt.Sprintf("ulimit -t %d", limits.MaxCPUSeconds))
	}
	if limits.MaxOpenFiles > 0 {
		clauses = append(clauses, fmt.Sprintf("ulimit -n %d", limits.MaxOpenFiles))
	}
	if limits.MaxProcesses > 0 {
		clauses = append(clauses, fmt.Sprintf("ulimit -u %d", limits.MaxProcesses))
	}
	return clauses
}

type handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (h *handle) Stdin() io.WriteCloser { return h.stdin }
func (h *handle) Stdout() io.Reader     { return h.stdout }

func (h *handle) Wait() error { return h.cmd.Wait() }

func (h *handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
