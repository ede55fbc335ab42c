//go:build !windows

package procutil

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ConfigureGroup starts cmd in its own process group so termination
// signals reach any children the supervised binary spawns.
func ConfigureGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// GracefulTerminate sends SIGTERM to the process group led by p, falling
// back to the process alone when it does not lead a group.
func GracefulTerminate(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGTERM); err == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}

// ForceKill sends SIGKILL to the process group led by p and to p itself.
func ForceKill(p *os.Process) error {
	groupErr := unix.Kill(-p.Pid, unix.SIGKILL)
	procErr := p.Kill()
	if groupErr == nil || procErr == nil || errors.Is(procErr, os.ErrProcessDone) {
		return nil
	}
	return procErr
}

// TerminateByPID sends SIGTERM to the process identified by pid.
func TerminateByPID(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// IsProcessAlive checks whether a process with the given pid is still running.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
