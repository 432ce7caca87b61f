package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sferro/deployd/internal/domain"
)

const maxLogLineBytes = 1 << 20

// run is the live state of one executing deployment. Its supervisor
// goroutine is the only writer of the event sequence.
type run struct {
	deployment *domain.Deployment
	config     *domain.DeployConfig

	ctx        context.Context
	cancel     context.CancelFunc
	userCancel atomic.Bool

	// workDir is set once preparation succeeds, under the engine lock.
	workDir  string
	sequence uint64
}

func (r *run) nextSequence() uint64 {
	r.sequence++
	return r.sequence
}

// execute supervises one deployment from Running to a terminal state. All
// emitted events carry sequence numbers assigned here, in order.
func (e *Engine) execute(r *run) {
	started := time.Now().UTC()
	if err := e.deployments.UpdateDeploymentStatus(r.ctx, domain.DeploymentStatusUpdate{
		DeploymentID: r.deployment.ID,
		Status:       domain.StatusRunning,
		StartedAt:    &started,
	}); err != nil {
		e.logger.Error("failed to mark deployment running",
			"deployment_id", r.deployment.ID, "error", err)
	}
	r.deployment.Status = domain.StatusRunning
	envKeys := sortedKeys(r.config.EnvVars)
	e.emitStatus(r, domain.StatusRunning, "", nil, envKeys)

	emitLine := func(line string) { e.emitLine(r, line) }

	dir, err := e.stager.Stage(r.ctx, r.deployment, r.config, emitLine)
	if dir != "" {
		e.mu.Lock()
		r.workDir = dir
		e.mu.Unlock()
		defer e.stager.Cleanup(dir)
	}
	if err != nil {
		e.finalize(r, started, e.classify(r, err), envKeys)
		return
	}

	cmd := exec.CommandContext(r.ctx, "/bin/sh", "-c", r.config.Command)
	cmd.Dir = dir
	cmd.Env = buildEnv(r.deployment, r.config)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 10 * time.Second
	// Kill the whole process group so the command cannot leave children
	// behind after timeout or cancel.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		emitLine(fmt.Sprintf("failed to start deploy command: %v", err))
		e.finalize(r, started, outcome{
			status: domain.StatusFailed,
			reason: domain.ReasonSpawn,
			errMsg: err.Error(),
		}, envKeys)
		return
	}

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitCh <- err
	}()

	forwardOutput(pr, emitLine)
	pr.Close()

	waitErr := <-waitCh
	e.finalize(r, started, e.classify(r, waitErr), envKeys)
}

// forwardOutput emits the reader's content line by line. A line longer than
// maxLogLineBytes is cut at the cap and marked truncated; the rest of that
// line and everything after it keeps flowing, so an oversized line never
// breaks the pipe under a still-running command.
func forwardOutput(r io.Reader, emit func(string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	truncated := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 && !truncated {
			if len(buf)+len(chunk) > maxLogLineBytes {
				buf = append(buf, chunk[:maxLogLineBytes-len(buf)]...)
				truncated = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == nil && isPrefix {
			continue
		}
		if err != nil && len(buf) == 0 {
			return
		}
		line := string(buf)
		if truncated {
			line += " [truncated]"
		}
		emit(line)
		buf = buf[:0]
		truncated = false
		if err != nil {
			return
		}
	}
}

// outcome is the classified result of a finished (or never-started) run.
type outcome struct {
	status   string
	reason   string
	exitCode *int
	errMsg   string
}

// classify maps a wait error onto the terminal state. Timeout and user
// cancellation both surface as context cancellation of the run and are
// told apart by the userCancel flag.
func (e *Engine) classify(r *run, waitErr error) outcome {
	switch {
	case r.userCancel.Load():
		return outcome{
			status: domain.StatusCancelled,
			reason: domain.ReasonKilled,
			errMsg: "cancelled by operator",
		}
	case errors.Is(r.ctx.Err(), context.DeadlineExceeded):
		return outcome{
			status: domain.StatusCancelled,
			reason: domain.ReasonTimeout,
			errMsg: fmt.Sprintf("timed out after %s", e.cfg.DeployTimeout),
		}
	case waitErr == nil:
		zero := 0
		return outcome{
			status:   domain.StatusSucceeded,
			reason:   domain.ReasonExit,
			exitCode: &zero,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		return outcome{
			status:   domain.StatusFailed,
			reason:   domain.ReasonExit,
			exitCode: &code,
			errMsg:   fmt.Sprintf("deploy command exited with code %d", code),
		}
	}
	return outcome{
		status: domain.StatusFailed,
		reason: domain.ReasonSpawn,
		errMsg: waitErr.Error(),
	}
}

// finalize persists the terminal state and emits the closing status event.
func (e *Engine) finalize(r *run, started time.Time, result outcome, envKeys []string) {
	finished := time.Now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: r.deployment.ID,
		Status:       result.status,
		Error:        result.errMsg,
		ExitCode:     result.exitCode,
		FinishedAt:   &finished,
	}
	// The run context may already be dead; persistence must still happen.
	if err := e.deployments.UpdateDeploymentStatus(context.Background(), update); err != nil {
		e.logger.Error("failed to persist terminal deployment state",
			"deployment_id", r.deployment.ID, "status", result.status, "error", err)
	}
	r.deployment.Status = result.status
	e.emitStatus(r, result.status, result.reason, result.exitCode, envKeys)
	e.metrics.ObserveResult(result.status, result.reason, finished.Sub(started))
	e.logger.Info("deployment finished",
		"deployment_id", r.deployment.ID,
		"status", result.status,
		"reason", result.reason,
		"runtime", finished.Sub(started).String())
}

func (e *Engine) emitLine(r *run, line string) {
	e.logs.Append(context.Background(), domain.LogEvent{
		DeploymentID: r.deployment.ID,
		Sequence:     r.nextSequence(),
		Kind:         domain.EventKindLine,
		Payload:      line,
		Timestamp:    time.Now().UTC(),
	})
}

func (e *Engine) emitStatus(r *run, status, reason string, exitCode *int, envKeys []string) {
	e.logs.Append(context.Background(), domain.LogEvent{
		DeploymentID: r.deployment.ID,
		Sequence:     r.nextSequence(),
		Kind:         domain.EventKindStatus,
		Status:       status,
		Reason:       reason,
		ExitCode:     exitCode,
		EnvKeys:      envKeys,
		Timestamp:    time.Now().UTC(),
	})
}

// buildEnv layers deployment identity over the ambient environment and the
// config's variables last, so a config value wins on any key collision.
// Later entries win when /bin/sh resolves duplicates.
func buildEnv(deployment *domain.Deployment, cfg *domain.DeployConfig) []string {
	env := append(os.Environ(),
		"DEPLOYMENT_ID="+deployment.ID,
		"REPO_NAME="+deployment.RepoFullName,
		"COMMIT_SHA="+deployment.CommitSHA,
		"BRANCH="+deployment.Branch,
	)
	for _, key := range sortedKeys(cfg.EnvVars) {
		env = append(env, key+"="+cfg.EnvVars[key])
	}
	return env
}

func sortedKeys(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
