package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ExitReason renders a process exit for status messages, e.g.
// "exit status 3" or "signal: killed". A nil error is a clean exit.
func ExitReason(err error) string {
	if err == nil {
		return "exited with status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ProcessState.String()
	}
	if errors.Is(err, os.ErrProcessDone) {
		return "process already finished"
	}
	return fmt.Sprintf("wait failed: %v", err)
}
