// Package runtime hosts the daemon's long-running services and guards the
// single-instance PID file.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/proxypal/proxypal/internal/procutil"
)

// ErrDaemonRunning is returned when the PID file names a live process.
var ErrDaemonRunning = errors.New("runtime: proxypald is already running")

// Service is a unit started and stopped by the ServiceHost.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Lifecycle coordinates shutdown signalling across the daemon.
type Lifecycle struct {
	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

// NewLifecycle creates a lifecycle controller with its own shutdown channel.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{shutdownChan: make(chan struct{})}
}

// Done is closed once Shutdown has been called.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.shutdownChan
}

// Shutdown signals all listeners. Safe to call more than once.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() { close(l.shutdownChan) })
}

// ReadPIDFile returns the PID stored at pidFile.
func ReadPIDFile(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("runtime: malformed pid file %s: %w", pidFile, err)
	}
	return pid, nil
}

// WritePIDFile writes pid into pidFile with owner-only permissions.
func WritePIDFile(pidFile string, pid int) error {
	if pidFile == "" {
		return fmt.Errorf("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// RemovePIDFile removes the pid file if it exists.
func RemovePIDFile(pidFile string) {
	if pidFile == "" {
		return
	}
	_ = os.Remove(pidFile)
}

// LivePID returns the pid recorded in pidFile when that process is alive
// and is not the caller.
func LivePID(pidFile string) (int, bool) {
	pid, err := ReadPIDFile(pidFile)
	if err != nil || pid == os.Getpid() || !procutil.IsProcessAlive(pid) {
		return 0, false
	}
	return pid, true
}

// AcquirePIDFile claims pidFile for the current process. A stale file left
// by a dead daemon is replaced. The returned release func removes the file
// only if it still holds our PID.
func AcquirePIDFile(pidFile string) (func(), error) {
	if pid, ok := LivePID(pidFile); ok {
		return nil, fmt.Errorf("%w (pid %d, %s)", ErrDaemonRunning, pid, pidFile)
	}

	self := os.Getpid()
	if err := WritePIDFile(pidFile, self); err != nil {
		return nil, err
	}
	return func() {
		if pid, err := ReadPIDFile(pidFile); err == nil && pid == self {
			RemovePIDFile(pidFile)
		}
	}, nil
}
