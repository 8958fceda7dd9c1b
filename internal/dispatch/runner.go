package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/kestrelworks/starhost/internal/log"
	"github.com/kestrelworks/starhost/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a plugin.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/kestrelworks/starhost/internal/dispatch Runner

// Runner executes a single plugin invocation: it delivers the request
// envelope and returns the decoded response plus captured stderr.
type Runner interface {
	Run(ctx context.Context, entrypoint string, req *protocol.Request, timeout time.Duration) (*protocol.Response, string, error)
}

// ProcRunner spawns the entrypoint as a subprocess, one process per
// invocation. The request goes to stdin, the response comes from stdout,
// and the timeout is enforced with SIGTERM then SIGKILL.
type ProcRunner struct {
	logger *slog.Logger
}

func NewProcRunner() *ProcRunner {
	return &ProcRunner{logger: log.WithComponent("runner")}
}

func (r *ProcRunner) Run(ctx context.Context, entrypoint string, req *protocol.Request, timeout time.Duration) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Termination is managed by hand, so no CommandContext here.
	cmd := exec.Command(entrypoint)

	// A grandchild holding the stdout pipe must not stall Wait after the
	// plugin process itself has exited.
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("spawning plugin", "entrypoint", entrypoint, "command", req.Command, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		r.terminate(cmd, waitErr)
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case <-timeoutTimer.C:
		r.logger.Warn("plugin invocation timed out, sending SIGTERM", "entrypoint", entrypoint)
		r.terminate(cmd, waitErr)
		return nil, truncateStderr(stderr.String()), context.DeadlineExceeded

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, truncateStderr(stderr.String()), fmt.Errorf("write request: %w", werr)
		}

		stderrStr := truncateStderr(stderr.String())

		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				r.logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
			} else {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
		}

		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			r.logger.Error("failed to decode plugin response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
func (r *ProcRunner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			r.logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		r.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				r.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
