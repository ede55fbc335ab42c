package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/proxypal/proxypal/internal/launch"
	"github.com/proxypal/proxypal/internal/procutil"
)

// ProcessLauncher spawns the process described by a launch spec.
type ProcessLauncher interface {
	Launch(ctx context.Context, spec launch.Spec, stdout io.Writer, stderr io.Writer) (ProcessHandle, error)
}

// ProcessHandle represents a spawned process. Done is closed once the
// process has been reaped; Err then reports how it exited.
type ProcessHandle interface {
	PID() int
	Done() <-chan struct{}
	Err() error
	// Stop terminates gracefully and force-kills only once the full grace
	// period has passed. It returns ErrGraceExceeded when the kill was
	// needed and exit was confirmed.
	Stop(ctx context.Context, grace time.Duration) error
}

// ExecLauncher starts real child processes.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec launch.Spec, stdout io.Writer, stderr io.Writer) (ProcessHandle, error) {
	binary, err := resolveBinary(spec.Binary)
	if err != nil {
		return nil, err
	}

	for _, f := range spec.Files {
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			return nil, fmt.Errorf("supervisor: prepare %s: %w", f.Path, err)
		}
		perm := f.Perm
		if perm == 0 {
			perm = 0o600
		}
		if err := os.WriteFile(f.Path, f.Data, perm); err != nil {
			return nil, fmt.Errorf("supervisor: write %s: %w", f.Path, err)
		}
	}

	// Note: exec.CommandContext is not used; the process must outlive the
	// start request's context.
	cmd := exec.Command(binary, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), spec.Env...)
	procutil.ConfigureGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start process: %w", err)
	}

	handle := &execHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go handle.wait()
	return handle, nil
}

func resolveBinary(binary string) (string, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return "", ErrBinaryUnset
	}
	if !strings.ContainsRune(binary, filepath.Separator) && !strings.ContainsRune(binary, '/') {
		path, err := exec.LookPath(binary)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBinaryMissing, binary)
		}
		return path, nil
	}
	if _, err := os.Stat(binary); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrBinaryMissing, binary)
		}
		return "", fmt.Errorf("supervisor: stat binary: %w", err)
	}
	return binary, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *execHandle) wait() {
	h.err = h.cmd.Wait()
	close(h.done)
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *execHandle) Stop(_ context.Context, grace time.Duration) error {
	if h.cmd.Process == nil {
		return nil
	}
	pid := h.cmd.Process.Pid

	select {
	case <-h.done:
		return nil
	default:
	}

	if err := procutil.GracefulTerminate(h.cmd.Process); err != nil && errors.Is(err, os.ErrProcessDone) {
		<-h.done
		return nil
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-h.done:
		return nil
	case <-graceTimer.C:
		log.Printf("[Supervisor] pid=%d did not exit within %v after graceful termination, force-killing", pid, grace)
	}

	if err := procutil.ForceKill(h.cmd.Process); err != nil {
		return fmt.Errorf("supervisor: kill pid %d: %w", pid, err)
	}

	reapTimer := time.NewTimer(killReapTimeout)
	defer reapTimer.Stop()
	select {
	case <-h.done:
		return ErrGraceExceeded
	case <-reapTimer.C:
		return fmt.Errorf("supervisor: pid %d still running %v after kill", pid, killReapTimeout)
	}
}

const killReapTimeout = 5 * time.Second
