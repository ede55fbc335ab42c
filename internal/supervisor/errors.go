package supervisor

import (
	"errors"
	"fmt"

	"github.com/proxypal/proxypal/internal/status"
)

var (
	// ErrAlreadyRunning rejects a start while the kind is not stopped.
	ErrAlreadyRunning = errors.New("supervisor: process already running")
	// ErrNotRunning rejects a restart of a stopped kind.
	ErrNotRunning = errors.New("supervisor: process not running")
	// ErrBinaryUnset indicates no executable was configured.
	ErrBinaryUnset = errors.New("supervisor: binary path is empty")
	// ErrBinaryMissing indicates the executable does not exist.
	ErrBinaryMissing = errors.New("supervisor: binary not found")
	// ErrPortInUse indicates the configured port is already bound.
	ErrPortInUse = errors.New("supervisor: port already in use")
	// ErrExitedEarly indicates the process exited before accepting connections.
	ErrExitedEarly = errors.New("supervisor: process exited before becoming ready")
	// ErrGraceExceeded indicates the process was force-killed after the
	// graceful shutdown timeout. Stop still succeeds in that case.
	ErrGraceExceeded = errors.New("supervisor: process killed after graceful shutdown timeout")
	// ErrUnknownKind rejects operations on kinds the supervisor does not manage.
	ErrUnknownKind = errors.New("supervisor: unknown process kind")
)

// SpawnError reports a start that did not reach Running. The process is
// left Stopped.
type SpawnError struct {
	Kind   status.Kind
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("supervisor: start %s (%s): %v", e.Kind, e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsSpawnError returns true when err is (or wraps) a SpawnError.
func IsSpawnError(err error) bool {
	var target *SpawnError
	return errors.As(err, &target)
}
