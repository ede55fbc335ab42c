// Package supervisor runs the proxy processes. Each kind has one state
// machine: Stopped -> Starting -> Running -> Stopping -> Stopped, with
// Crashed reachable from Running when the process exits on its own.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/proxypal/proxypal/internal/constants"
	"github.com/proxypal/proxypal/internal/launch"
	"github.com/proxypal/proxypal/internal/procutil"
	"github.com/proxypal/proxypal/internal/status"
)

// DefaultGracePeriod bounds how long Stop waits before force-killing.
const DefaultGracePeriod = constants.ProcessGracefulShutdownTimeout

// ReadinessChecker reports when addr accepts connections.
type ReadinessChecker func(ctx context.Context, addr string) error

// PortChecker fails when addr is already bound by someone else.
type PortChecker func(addr string) error

// Options configures a Supervisor.
type Options struct {
	Registry    *status.Registry
	Launcher    ProcessLauncher
	Journal     Journal
	GracePeriod time.Duration
	Kinds       []status.Kind
	Readiness   ReadinessChecker
	PortCheck   PortChecker
}

// Supervisor owns the process handle of every kind. Start, Stop and
// Restart of one kind are serialized; different kinds proceed independently.
type Supervisor struct {
	registry  *status.Registry
	launcher  ProcessLauncher
	journal   Journal
	grace     time.Duration
	readiness ReadinessChecker
	portCheck PortChecker
	now       func() time.Time

	units map[status.Kind]*unit
}

type unit struct {
	kind status.Kind

	// opMu serializes start/stop/restart. It is held across blocking work.
	opMu sync.Mutex

	// mu guards the fields below and every registry write for this kind.
	// It is never held across blocking work.
	mu            sync.Mutex
	state         status.State
	handle        ProcessHandle
	spec          launch.Spec
	generation    uint64
	authenticated bool
	startedAt     time.Time
}

// New creates a supervisor with every kind stopped.
func New(opts Options) *Supervisor {
	if opts.Registry == nil {
		opts.Registry = status.NewRegistry()
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = status.Kinds()
	}
	if opts.Readiness == nil {
		opts.Readiness = WaitForListener
	}
	if opts.PortCheck == nil {
		opts.PortCheck = CheckPortFree
	}

	s := &Supervisor{
		registry:  opts.Registry,
		launcher:  opts.Launcher,
		journal:   opts.Journal,
		grace:     opts.GracePeriod,
		readiness: opts.Readiness,
		portCheck: opts.PortCheck,
		now:       time.Now,
		units:     make(map[status.Kind]*unit, len(opts.Kinds)),
	}
	for _, kind := range opts.Kinds {
		s.units[kind] = &unit{kind: kind, state: status.StateNotStarted}
	}
	return s
}

// Registry returns the registry this supervisor writes to.
func (s *Supervisor) Registry() *status.Registry {
	return s.registry
}

func (s *Supervisor) unit(kind status.Kind) (*unit, error) {
	u, ok := s.units[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return u, nil
}

// State returns the supervision state of kind.
func (s *Supervisor) State(kind status.Kind) status.State {
	u, err := s.unit(kind)
	if err != nil {
		return status.StateNotStarted
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Running reports whether kind is in the Running state.
func (s *Supervisor) Running(kind status.Kind) bool {
	return s.State(kind) == status.StateRunning
}

// Prime records port and endpoint for a kind that is not running, so
// status readers can show where it will listen. The last stop or crash
// reason is kept.
func (s *Supervisor) Prime(kind status.Kind, port int, endpoint string) {
	u, err := s.unit(kind)
	if err != nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != status.StateNotStarted && u.state != status.StateStopped {
		return
	}
	if u.spec.Port == port && u.spec.Endpoint == endpoint {
		return
	}
	u.spec.Port = port
	u.spec.Endpoint = endpoint
	s.commitLocked(u, s.registry.Process(kind).Reason)
}

// Start launches kind with spec. It fails with ErrAlreadyRunning unless
// kind is stopped and with *SpawnError when the process does not become
// ready; in that case kind stays Stopped. Cancelling ctx does not abort a
// start in progress; the readiness timeout bounds it.
func (s *Supervisor) Start(ctx context.Context, kind status.Kind, spec launch.Spec) error {
	ctx = context.WithoutCancel(ctx)
	u, err := s.unit(kind)
	if err != nil {
		return err
	}
	u.opMu.Lock()
	defer u.opMu.Unlock()
	return s.startLocked(ctx, u, spec)
}

// Stop terminates kind. Stopping a stopped kind is a no-op. On return the
// registry never says Running for kind. The grace period runs in full even
// when ctx is cancelled.
func (s *Supervisor) Stop(ctx context.Context, kind status.Kind) error {
	ctx = context.WithoutCancel(ctx)
	u, err := s.unit(kind)
	if err != nil {
		return err
	}
	u.opMu.Lock()
	defer u.opMu.Unlock()
	return s.stopLocked(ctx, u)
}

// Restart stops kind and starts it again with spec. It fails with
// ErrNotRunning when kind is not running. When the stop fails, the start
// is not attempted. Like Start and Stop, it runs to completion even when
// ctx is cancelled.
func (s *Supervisor) Restart(ctx context.Context, kind status.Kind, spec launch.Spec) error {
	ctx = context.WithoutCancel(ctx)
	u, err := s.unit(kind)
	if err != nil {
		return err
	}
	u.opMu.Lock()
	defer u.opMu.Unlock()

	u.mu.Lock()
	running := u.state == status.StateRunning
	u.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if err := s.stopLocked(ctx, u); err != nil {
		return fmt.Errorf("supervisor: restart %s: %w", kind, err)
	}
	return s.startLocked(ctx, u, spec)
}

// StopAll stops every kind, collecting errors.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for _, kind := range status.Kinds() {
		if _, ok := s.units[kind]; !ok {
			continue
		}
		if err := s.Stop(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetAuthenticated updates the authenticated flag of a running kind.
// Updates for a kind that is not running are ignored.
func (s *Supervisor) SetAuthenticated(kind status.Kind, authenticated bool) {
	u, err := s.unit(kind)
	if err != nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != status.StateRunning || u.authenticated == authenticated {
		return
	}
	u.authenticated = authenticated
	s.commitLocked(u, "")
}

func (s *Supervisor) startLocked(ctx context.Context, u *unit, spec launch.Spec) error {
	u.mu.Lock()
	if u.state != status.StateStopped && u.state != status.StateNotStarted {
		u.mu.Unlock()
		return ErrAlreadyRunning
	}
	u.state = status.StateStarting
	u.spec = spec
	u.authenticated = false
	u.generation++
	generation := u.generation
	s.commitLocked(u, "")
	u.mu.Unlock()

	stdout := newProcessLogWriter(string(u.kind), "stdout")
	stderr := newProcessLogWriter(string(u.kind), "stderr")

	fail := func(handle ProcessHandle, cause error) error {
		if handle != nil {
			if err := handle.Stop(context.Background(), s.grace); err != nil && !errors.Is(err, ErrGraceExceeded) {
				log.Printf("[Supervisor] %s: cleanup after failed start: %v", u.kind, err)
			}
		}
		stdout.Close()
		stderr.Close()

		spawnErr := &SpawnError{Kind: u.kind, Binary: spec.Binary, Err: cause}
		u.mu.Lock()
		u.state = status.StateStopped
		u.handle = nil
		s.commitLocked(u, cause.Error())
		u.mu.Unlock()

		log.Printf("[Supervisor] %s failed to start: %v", u.kind, cause)
		s.record(Event{Kind: u.kind, Type: EventStartFailed, Port: spec.Port, Reason: cause.Error()})
		return spawnErr
	}

	if spec.Port > 0 {
		if err := s.portCheck(spec.Addr()); err != nil {
			return fail(nil, err)
		}
	}

	handle, err := s.launcher.Launch(ctx, spec, stdout, stderr)
	if err != nil {
		return fail(nil, err)
	}

	if spec.Port > 0 {
		if err := s.awaitReady(ctx, handle, spec); err != nil {
			return fail(handle, err)
		}
	}

	u.mu.Lock()
	u.state = status.StateRunning
	u.handle = handle
	u.startedAt = s.now()
	s.commitLocked(u, "")
	u.mu.Unlock()

	go s.watch(u, handle, generation, stdout, stderr)

	log.Printf("[Supervisor] %s running pid=%d endpoint=%s", u.kind, handle.PID(), spec.Endpoint)
	s.record(Event{Kind: u.kind, Type: EventStarted, PID: handle.PID(), Port: spec.Port})
	return nil
}

func (s *Supervisor) awaitReady(ctx context.Context, handle ProcessHandle, spec launch.Spec) error {
	timeout := spec.ReadyTimeout
	if timeout <= 0 {
		timeout = constants.ProcessReadyTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- s.readiness(readyCtx, spec.Addr())
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("wait for %s: %w", spec.Addr(), err)
		}
		return nil
	case <-handle.Done():
		cancel()
		<-result
		return fmt.Errorf("%w: %s", ErrExitedEarly, procutil.ExitReason(handle.Err()))
	}
}

// watch is the only path that downgrades a Running kind on its own.
// A newer generation means the handle was replaced or stopped.
func (s *Supervisor) watch(u *unit, handle ProcessHandle, generation uint64, stdout, stderr *processLogWriter) {
	<-handle.Done()
	stdout.Close()
	stderr.Close()

	u.mu.Lock()
	if u.generation != generation || u.handle != handle || u.state != status.StateRunning {
		u.mu.Unlock()
		return
	}
	reason := "exited unexpectedly: " + procutil.ExitReason(handle.Err())
	u.state = status.StateCrashed
	s.commitLocked(u, reason)
	u.state = status.StateStopped
	u.handle = nil
	u.generation++
	s.commitLocked(u, reason)
	u.mu.Unlock()

	log.Printf("[Supervisor] %s pid=%d %s", u.kind, handle.PID(), reason)
	s.record(Event{Kind: u.kind, Type: EventCrashed, PID: handle.PID(), Reason: reason})
}

func (s *Supervisor) stopLocked(ctx context.Context, u *unit) error {
	u.mu.Lock()
	if u.handle == nil || (u.state != status.StateRunning && u.state != status.StateStarting) {
		u.mu.Unlock()
		return nil
	}
	handle := u.handle
	u.state = status.StateStopping
	s.commitLocked(u, "")
	u.mu.Unlock()

	stopErr := handle.Stop(ctx, s.grace)
	forced := errors.Is(stopErr, ErrGraceExceeded)
	if stopErr != nil && !forced {
		select {
		case <-handle.Done():
			stopErr = nil
		default:
		}
	}

	reason := "stopped"
	switch {
	case forced:
		reason = fmt.Sprintf("force-killed after %v grace period", s.grace)
	case stopErr != nil:
		reason = "termination not confirmed: " + stopErr.Error()
	}

	u.mu.Lock()
	u.state = status.StateStopped
	u.handle = nil
	u.generation++
	s.commitLocked(u, reason)
	u.mu.Unlock()

	if forced {
		log.Printf("[Supervisor] %s pid=%d %s", u.kind, handle.PID(), reason)
		s.record(Event{Kind: u.kind, Type: EventForceKilled, PID: handle.PID(), Reason: reason})
	}
	s.record(Event{Kind: u.kind, Type: EventStopped, PID: handle.PID(), Reason: reason})

	if stopErr != nil && !forced {
		return fmt.Errorf("supervisor: stop %s: %w", u.kind, stopErr)
	}
	return nil
}

// commitLocked writes the unit's current view into the registry. u.mu
// must be held, which orders writes for one kind.
func (s *Supervisor) commitLocked(u *unit, reason string) {
	st := status.ProcessStatus{
		Kind:          u.kind,
		State:         u.state,
		Port:          u.spec.Port,
		Endpoint:      u.spec.Endpoint,
		Authenticated: u.authenticated,
		Reason:        reason,
	}
	if u.handle != nil && (u.state == status.StateRunning || u.state == status.StateStopping) {
		st.PID = u.handle.PID()
		st.StartedAt = u.startedAt
	}
	s.registry.SetProcess(st)
}

func (s *Supervisor) record(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.journal.Record(ev)
}

// CheckPortFree fails with ErrPortInUse when addr cannot be bound.
func CheckPortFree(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPortInUse, addr)
	}
	return ln.Close()
}

// WaitForListener polls addr until it accepts a TCP connection.
func WaitForListener(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("supervisor: wait ready: address empty")
	}

	ticker := time.NewTicker(constants.Duration100Milliseconds)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, constants.Duration250Milliseconds)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr := err

		select {
		case <-ctx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("dial %s: %w", addr, ctx.Err())
			}
			return fmt.Errorf("dial %s: %w", addr, lastErr)
		case <-ticker.C:
		}
	}
}
