package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/proxypal/proxypal/internal/launch"
	"github.com/proxypal/proxypal/internal/status"
)

// LaunchRecord captures a launch made through MockLauncher.
type LaunchRecord struct {
	Spec       launch.Spec
	LaunchedAt time.Time
	StdoutNil  bool
	StderrNil  bool
}

// MockLauncher implements ProcessLauncher for tests, recording launches
// without spawning processes.
type MockLauncher struct {
	mu        sync.Mutex
	records   []LaunchRecord
	handles   map[status.Kind][]*MockHandle
	stops     map[status.Kind]int
	err       error
	stopErr   error
	stopForce bool
	nextPID   int
}

// NewMockLauncher constructs a launcher stub.
func NewMockLauncher() *MockLauncher {
	return &MockLauncher{
		nextPID: 1000,
		handles: make(map[status.Kind][]*MockHandle),
		stops:   make(map[status.Kind]int),
	}
}

// SetError forces subsequent Launch calls to fail with err.
func (m *MockLauncher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetStopError makes subsequent Stop calls fail with err without the
// process exiting.
func (m *MockLauncher) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopErr = err
}

// SetStopForced makes subsequent Stop calls behave as if the grace period
// ran out and the process had to be killed.
func (m *MockLauncher) SetStopForced(forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopForce = forced
}

// Launch records spec and returns a controllable handle.
func (m *MockLauncher) Launch(ctx context.Context, spec launch.Spec, stdout io.Writer, stderr io.Writer) (ProcessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	m.records = append(m.records, LaunchRecord{
		Spec:       spec,
		LaunchedAt: time.Now().UTC(),
		StdoutNil:  stdout == nil,
		StderrNil:  stderr == nil,
	})

	handle := &MockHandle{
		parent: m,
		kind:   spec.Kind,
		pid:    m.nextPID,
		done:   make(chan struct{}),
	}
	m.nextPID++
	m.handles[spec.Kind] = append(m.handles[spec.Kind], handle)
	return handle, nil
}

// Records returns a copy of launch records for assertions.
func (m *MockLauncher) Records() []LaunchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LaunchRecord, len(m.records))
	copy(out, m.records)
	return out
}

// LaunchCount returns how many times kind was launched.
func (m *MockLauncher) LaunchCount(kind status.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles[kind])
}

// Last returns the most recent handle for kind, or nil.
func (m *MockLauncher) Last(kind status.Kind) *MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handles[kind]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// StopCount returns how many times Stop was invoked for kind.
func (m *MockLauncher) StopCount(kind status.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops[kind]
}

// MockHandle is a fake process. Exit simulates the process ending.
type MockHandle struct {
	parent *MockLauncher
	kind   status.Kind
	pid    int

	once sync.Once
	done chan struct{}
	err  error
}

// ErrMockKilled is the exit error of a mock process killed by Stop.
var ErrMockKilled = errors.New("signal: killed")

// Exit ends the fake process with err. Later calls are ignored.
func (h *MockHandle) Exit(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *MockHandle) PID() int { return h.pid }

func (h *MockHandle) Done() <-chan struct{} { return h.done }

func (h *MockHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *MockHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.parent.mu.Lock()
	h.parent.stops[h.kind]++
	stopErr := h.parent.stopErr
	forced := h.parent.stopForce
	h.parent.mu.Unlock()

	if stopErr != nil {
		return stopErr
	}
	if forced {
		h.Exit(ErrMockKilled)
		return ErrGraceExceeded
	}
	h.Exit(nil)
	return nil
}
