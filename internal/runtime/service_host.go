package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/proxypal/proxypal/internal/constants"
)

const defaultShutdownTimeout = constants.Duration5Seconds

// ServiceFactory constructs a service when the host starts.
type ServiceFactory func(ctx context.Context) (Service, error)

// ServiceHost starts services in registration order and stops them in
// reverse. A service exposing Errors() <-chan error has its failures
// forwarded to the host's Errors channel.
type ServiceHost struct {
	mu      sync.Mutex
	entries []*hostedService
	names   map[string]struct{}
	started bool
	cancel  context.CancelFunc
	errors  chan error
}

// Option configures a service registration.
type Option func(*hostedService)

type hostedService struct {
	name            string
	factory         ServiceFactory
	shutdownTimeout time.Duration
	running         Service
}

// WithShutdownTimeout overrides how long Shutdown may take for one service.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(hs *hostedService) {
		hs.shutdownTimeout = timeout
	}
}

// NewServiceHost creates an empty host.
func NewServiceHost() *ServiceHost {
	return &ServiceHost{
		names:  make(map[string]struct{}),
		errors: make(chan error, 1),
	}
}

// Register adds a service. It fails after Start or on a duplicate name.
func (h *ServiceHost) Register(name string, factory ServiceFactory, opts ...Option) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("runtime: cannot register service %q after start", name)
	}
	if _, dup := h.names[name]; dup {
		return fmt.Errorf("runtime: service %q already registered", name)
	}

	hs := &hostedService{name: name, factory: factory, shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(hs)
	}
	h.names[name] = struct{}{}
	h.entries = append(h.entries, hs)
	return nil
}

// Start creates and starts every service. If one fails, those already
// running are shut down in reverse order and the error is returned.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errors.New("runtime: service host already started")
	}
	h.started = true
	hostCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	entries := append([]*hostedService(nil), h.entries...)
	h.mu.Unlock()

	for i, hs := range entries {
		svc, err := hs.factory(hostCtx)
		if err == nil {
			err = svc.Start(hostCtx)
		}
		if err != nil {
			rollbackCtx, rollbackCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			h.shutdownAll(rollbackCtx, entries[:i])
			rollbackCancel()
			return fmt.Errorf("runtime: start service %q: %w", hs.name, err)
		}
		hs.running = svc
		h.forwardErrors(hs.name, svc)
		log.Printf("[Runtime] Started %s", hs.name)
	}
	return nil
}

// Stop shuts every running service down in reverse order and returns the
// last shutdown error.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	h.cancel = nil
	entries := append([]*hostedService(nil), h.entries...)
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return h.shutdownAll(ctx, entries)
}

func (h *ServiceHost) shutdownAll(ctx context.Context, entries []*hostedService) error {
	var stopErr error
	for i := len(entries) - 1; i >= 0; i-- {
		hs := entries[i]
		if hs.running == nil {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, hs.shutdownTimeout)
		err := hs.running.Shutdown(stopCtx)
		cancel()
		hs.running = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			stopErr = fmt.Errorf("runtime: shutdown service %q: %w", hs.name, err)
		}
	}
	return stopErr
}

// Errors receives fatal service errors. Only the first pending error is
// kept; later ones are dropped until it is read.
func (h *ServiceHost) Errors() <-chan error {
	return h.errors
}

func (h *ServiceHost) forwardErrors(name string, svc Service) {
	observable, ok := svc.(interface{ Errors() <-chan error })
	if !ok || observable.Errors() == nil {
		return
	}
	go func(ch <-chan error) {
		for err := range ch {
			if err == nil {
				continue
			}
			select {
			case h.errors <- fmt.Errorf("%s service error: %w", name, err):
			default:
			}
		}
	}(observable.Errors())
}

// FuncService adapts a pair of functions to Service. Nil funcs are no-ops.
type FuncService struct {
	StartFunc    func(ctx context.Context) error
	ShutdownFunc func(ctx context.Context) error
}

// Start implements Service.
func (f FuncService) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

// Shutdown implements Service.
func (f FuncService) Shutdown(ctx context.Context) error {
	if f.ShutdownFunc == nil {
		return nil
	}
	return f.ShutdownFunc(ctx)
}

// Static returns a factory that always yields svc.
func Static(svc Service) ServiceFactory {
	return func(context.Context) (Service, error) { return svc, nil }
}

// PeriodicService runs a job on a cron schedule while started. Overlapping
// runs are skipped and panics are recovered.
type PeriodicService struct {
	name     string
	schedule string
	job      func(ctx context.Context)

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// Periodic creates a PeriodicService running job every interval.
func Periodic(name string, interval time.Duration, job func(ctx context.Context)) *PeriodicService {
	return &PeriodicService{
		name:     name,
		schedule: fmt.Sprintf("@every %s", interval),
		job:      job,
	}
}

// Start implements Service.
func (p *PeriodicService) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(p.schedule, func() { p.job(jobCtx) }); err != nil {
		cancel()
		return fmt.Errorf("runtime: schedule %s: %w", p.name, err)
	}
	c.Start()
	p.cron = c
	p.cancel = cancel
	return nil
}

// Shutdown implements Service. It waits for a running job or ctx.
func (p *PeriodicService) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	c, cancel := p.cron, p.cancel
	p.cron, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
