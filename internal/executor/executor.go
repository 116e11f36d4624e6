// Package executor runs one job to terminal status (§4.5). It launches the
// script through a shell in its own process group — grounded on the
// teacher's core/process.Manager.LaunchProcess/CleanupProcessAndGroup, which
// launches via a platform-abstracted command and reaps it by signalling the
// negative PID (the process group) with a fallback to the direct PID — but
// drops that file's namespace/cgroup isolation and SIGKILL escalation, which
// are out of this spec's scope: scripts that ignore SIGTERM simply stay
// running, per §5.
package executor

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jsturma/jobctl/internal/job"
	"github.com/jsturma/jobctl/internal/logsink"
	"github.com/jsturma/jobctl/internal/registry"
)

// shellPath is a var rather than a constant so tests can force a spawn
// failure without needing a nonexistent script path (which a shell reports
// as a normal non-zero exit, not a spawn error).
var shellPath = "/bin/sh"

// Outcome is the terminal classification of one job run, per the priority
// table in §4.5.
type Outcome struct {
	Status job.Status
	Code   int
}

// Process supervises one running child. The zero value is not usable; use
// New. A Process is used for exactly one Run call.
type Process struct {
	mu       sync.Mutex
	pid      int
	finished bool
	timedOut bool
	canceled bool
}

// New creates a Process ready to run one job.
func New() *Process {
	return &Process{}
}

// PID returns the child's PID, or 0 before the process has started.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// RequestCancel marks the process cancel-requested and signals its process
// group. It is a no-op if the process has already reached a terminal state
// or was already cancel-requested. Safe to call concurrently with Run.
func (p *Process) RequestCancel() {
	p.mu.Lock()
	if p.finished || p.canceled {
		p.mu.Unlock()
		return
	}
	p.canceled = true
	pid := p.pid
	p.mu.Unlock()
	signalProcessGroup(pid, syscall.SIGTERM)
}

// Run launches entry's script with args, streams its output into handle,
// and blocks until the child exits or is signalled. It is idempotent by
// construction: exactly one goroutine ever calls Run on a given Process,
// and the finished flag set at the end prevents a late timer or
// RequestCancel from re-classifying an already-terminal outcome.
func (p *Process) Run(entry registry.Entry, args []string, handle *logsink.Handle) Outcome {
	cmdLine := buildCommandLine(entry.Path, args)
	cmd := exec.Command(shellPath, "-c", cmdLine)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = handle.Stdout
	cmd.Stderr = handle.Stderr

	if err := cmd.Start(); err != nil {
		handle.AppendError(fmt.Sprintf("spawn error: %v", err))
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()
		return Outcome{Status: job.StatusFailed, Code: -1}
	}

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	canceledBeforeStart := p.canceled
	p.mu.Unlock()
	if canceledBeforeStart {
		// RequestCancel arrived while pid was still 0 and could not signal.
		signalProcessGroup(cmd.Process.Pid, syscall.SIGTERM)
	}

	var timer *time.Timer
	if entry.TimeoutSec > 0 {
		timer = time.AfterFunc(time.Duration(entry.TimeoutSec)*time.Second, func() {
			p.mu.Lock()
			if p.finished {
				p.mu.Unlock()
				return
			}
			p.timedOut = true
			pid := p.pid
			p.mu.Unlock()
			signalProcessGroup(pid, syscall.SIGTERM)
		})
	}

	waitErr := cmd.Wait()

	p.mu.Lock()
	p.finished = true
	timedOut := p.timedOut
	canceled := p.canceled
	p.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	return classify(waitErr, timedOut, canceled)
}

// classify applies the exit priority table of §4.5. timedOut and canceled
// must be checked before a signal exit is classified as failure — the one
// ordering bug the spec calls out explicitly.
func classify(waitErr error, timedOut, canceled bool) Outcome {
	switch {
	case timedOut:
		return Outcome{Status: job.StatusTimedOut, Code: -1}
	case canceled:
		return Outcome{Status: job.StatusCanceled, Code: -1}
	}

	if waitErr == nil {
		return Outcome{Status: job.StatusSucceeded, Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Outcome{Status: job.StatusFailed, Code: -1}
		}
		code := exitErr.ExitCode()
		if code < 0 {
			code = -1
		}
		return Outcome{Status: job.StatusFailed, Code: code}
	}

	return Outcome{Status: job.StatusFailed, Code: -1}
}

// signalProcessGroup sends sig to the process group led by pid, falling
// back to signalling pid directly if the group signal is rejected (e.g. the
// child already called setsid and detached, or the group is already gone).
func signalProcessGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

// buildCommandLine composes the shell command line for entry.Path and args
// per §4.5: shell-quote each token (single-quote escaping of embedded
// quotes) and join with spaces.
func buildCommandLine(path string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(path))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
