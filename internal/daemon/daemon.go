// Package daemon wires proxypald's components together and owns their
// lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/proxypal/proxypal/internal/commands"
	"github.com/proxypal/proxypal/internal/config"
	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/constants"
	"github.com/proxypal/proxypal/internal/history"
	"github.com/proxypal/proxypal/internal/launch"
	"github.com/proxypal/proxypal/internal/oauth"
	"github.com/proxypal/proxypal/internal/poller"
	"github.com/proxypal/proxypal/internal/probe"
	"github.com/proxypal/proxypal/internal/reconcile"
	daemonruntime "github.com/proxypal/proxypal/internal/runtime"
	"github.com/proxypal/proxypal/internal/server"
	"github.com/proxypal/proxypal/internal/status"
	"github.com/proxypal/proxypal/internal/supervisor"
	"github.com/proxypal/proxypal/internal/sysproxy"
)

const (
	// serviceOpTimeout bounds lifecycle operations of hosted services.
	serviceOpTimeout = constants.Duration5Seconds

	historyPruneInterval = time.Hour
)

// Options configures a Daemon. Zero values pick production defaults.
type Options struct {
	Home           string
	Listen         string
	AllowedOrigins []string
	ProxyBinary    string
	CopilotBinary  string
	GracePeriod    time.Duration
	PollInterval   time.Duration

	// Test seams.
	Launcher  supervisor.ProcessLauncher
	Readiness supervisor.ReadinessChecker
	PortCheck supervisor.PortChecker
	Getenv    func(string) string
}

// Daemon represents the main daemon process.
type Daemon struct {
	paths       config.Paths
	store       *store.Store
	journal     *history.Journal
	registry    *status.Registry
	supervisor  *supervisor.Supervisor
	builder     *launch.Builder
	flows       *oauth.Flows
	poller      *poller.Poller
	service     *commands.Service
	apiServer   *server.Server
	serviceHost *daemonruntime.ServiceHost
	lifecycle   *daemonruntime.Lifecycle
	runtimeInfo *RuntimeInfo
	releasePID  func()

	errMu  sync.Mutex
	runErr error
}

// New builds every component. It claims the PID file, so a second daemon
// for the same home fails here.
func New(opts Options) (*Daemon, error) {
	paths, err := config.EnsureDirs(opts.Home)
	if err != nil {
		return nil, fmt.Errorf("daemon: prepare %s: %w", paths.Home, err)
	}

	release, err := daemonruntime.AcquirePIDFile(paths.Lock)
	if err != nil {
		return nil, err
	}

	d, err := build(paths, opts)
	if err != nil {
		release()
		return nil, err
	}
	d.releasePID = release
	return d, nil
}

func build(paths config.Paths, opts Options) (*Daemon, error) {
	st, err := store.Open(store.Options{Path: paths.Config})
	if err != nil {
		return nil, fmt.Errorf("daemon: open config: %w", err)
	}
	if info := st.LoadInfo(); info.Err != nil {
		log.Printf("[Daemon] WARNING: using default configuration (%s): %v", info.Source, info.Err)
	}

	journal, err := history.Open(history.Options{DBPath: paths.HistoryDB})
	if err != nil {
		return nil, fmt.Errorf("daemon: open history: %w", err)
	}

	registry := status.NewRegistry()
	sup := supervisor.New(supervisor.Options{
		Registry:    registry,
		Launcher:    opts.Launcher,
		Journal:     journal,
		GracePeriod: opts.GracePeriod,
		Readiness:   opts.Readiness,
		PortCheck:   opts.PortCheck,
	})

	builder := launch.NewBuilder(launch.Options{
		ProxyBinary:   resolveBinary(opts.ProxyBinary, paths.BinDir, launch.DefaultProxyBinary),
		CopilotBinary: resolveBinary(opts.CopilotBinary, paths.BinDir, launch.DefaultCopilotBinary),
		RunDir:        paths.RunDir,
		AuthDir:       paths.ProxyAuths,
	})

	prober := probe.New(probe.Options{})
	flows := oauth.New(oauth.Options{})
	poll := poller.New(poller.Options{
		Registry:      registry,
		Authenticator: sup,
		Fetcher:       prober,
		Config:        st.Current,
		Interval:      opts.PollInterval,
	})

	svc := commands.New(commands.Options{
		Store: st,
		Applier: reconcile.New(reconcile.Options{
			Store:     st,
			Processes: sup,
			Registry:  registry,
			Builder:   builder,
		}),
		Processes: sup,
		Registry:  registry,
		Builder:   builder,
		Prober:    prober,
		Detector:  sysproxy.New(sysproxy.Options{Getenv: opts.Getenv}),
		Flows:     flows,
		Refresher: poll,
		Events:    journal,
	})

	apiServer := server.New(server.Options{
		Service:        svc,
		Listen:         opts.Listen,
		AllowedOrigins: opts.AllowedOrigins,
	})

	d := &Daemon{
		paths:       paths,
		store:       st,
		journal:     journal,
		registry:    registry,
		supervisor:  sup,
		builder:     builder,
		flows:       flows,
		poller:      poll,
		service:     svc,
		apiServer:   apiServer,
		serviceHost: daemonruntime.NewServiceHost(),
		lifecycle:   daemonruntime.NewLifecycle(),
		runtimeInfo: &RuntimeInfo{},
	}
	if err := d.registerServices(); err != nil {
		journal.Close()
		return nil, err
	}
	return d, nil
}

// resolveBinary prefers an explicit flag, then a binary installed under
// binDir, then name on PATH.
func resolveBinary(explicit, binDir, name string) string {
	if explicit != "" {
		return config.ExpandPath(explicit)
	}
	candidate := filepath.Join(binDir, name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return name
}

func (d *Daemon) registerServices() error {
	if err := d.serviceHost.Register("history_prune", daemonruntime.Static(
		daemonruntime.Periodic("history_prune", historyPruneInterval, d.pruneHistory),
	)); err != nil {
		return err
	}

	if err := d.serviceHost.Register("oauth_sweeper", daemonruntime.Static(daemonruntime.FuncService{
		StartFunc: func(context.Context) error {
			return d.flows.StartSweeper(constants.OAuthSweepInterval)
		},
		ShutdownFunc: func(ctx context.Context) error {
			d.flows.StopSweeper(ctx)
			return nil
		},
	})); err != nil {
		return err
	}

	if err := d.serviceHost.Register("status_poller", daemonruntime.Static(daemonruntime.FuncService{
		StartFunc: func(context.Context) error { return d.poller.Start() },
		ShutdownFunc: func(ctx context.Context) error {
			d.poller.Stop(ctx)
			return nil
		},
	})); err != nil {
		return err
	}

	return d.serviceHost.Register("api_server", func(ctx context.Context) (daemonruntime.Service, error) {
		return apiService{d.apiServer, d.runtimeInfo}, nil
	}, daemonruntime.WithShutdownTimeout(constants.Duration10Seconds))
}

// apiService records the bound address once the API server is listening.
type apiService struct {
	*server.Server
	info *RuntimeInfo
}

func (a apiService) Start(ctx context.Context) error {
	if err := a.Server.Start(ctx); err != nil {
		return err
	}
	a.info.SetListenAddr(a.Addr())
	return nil
}

func (d *Daemon) pruneHistory(ctx context.Context) {
	pruneCtx, cancel := context.WithTimeout(ctx, serviceOpTimeout)
	defer cancel()
	n, err := d.journal.Prune(pruneCtx)
	if err != nil {
		log.Printf("[Daemon] history prune failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Daemon] Pruned %d history event(s)", n)
	}
}

// Start primes status, starts hosted services and autostarts processes.
// It returns once the API is listening.
func (d *Daemon) Start(ctx context.Context) error {
	d.runtimeInfo.SetStartTime(time.Now())

	doc := d.store.Current()
	d.supervisor.Prime(status.KindProxy, doc.Port, doc.ProxyEndpoint())
	d.supervisor.Prime(status.KindCopilot, doc.Copilot.Port, doc.CopilotEndpoint())

	if err := d.serviceHost.Start(ctx); err != nil {
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()

	d.autostart(ctx, doc)
	return nil
}

// autostart launches the processes the configuration asks for. Failures
// are logged and reflected in status; they never stop the daemon.
func (d *Daemon) autostart(ctx context.Context, doc store.Document) {
	if doc.AutoStart {
		if _, err := d.service.Start(ctx, status.KindProxy); err != nil {
			log.Printf("[Daemon] autostart proxy failed: %v", err)
		}
	}
	if doc.Copilot.Enabled {
		if _, err := d.service.Start(ctx, status.KindCopilot); err != nil {
			log.Printf("[Daemon] autostart copilot failed: %v", err)
		}
	}
	d.poller.Refresh(ctx)
}

// Run starts the daemon and blocks until Shutdown is called or a hosted
// service fails.
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		d.close()
		return err
	}
	log.Printf("[Daemon] Ready on http://%s (config %s)", d.runtimeInfo.ListenAddr(), d.store.Path())

	<-d.lifecycle.Done()
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), constants.DaemonShutdownTimeout)
	defer stopCancel()
	d.stop(stopCtx)
	return d.getRunError()
}

func (d *Daemon) stop(ctx context.Context) {
	if err := d.serviceHost.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[Daemon] service shutdown error: %v", err)
		d.setRunError(err)
	}
	if err := d.supervisor.StopAll(ctx); err != nil {
		log.Printf("[Daemon] stopping processes: %v", err)
		d.setRunError(err)
	}
	d.close()
}

func (d *Daemon) close() {
	if err := d.journal.Close(); err != nil {
		log.Printf("[Daemon] history close error: %v", err)
	}
	if d.releasePID != nil {
		d.releasePID()
		d.releasePID = nil
	}
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() {
	d.lifecycle.Shutdown()
}

// Done is closed once shutdown has been requested.
func (d *Daemon) Done() <-chan struct{} {
	return d.lifecycle.Done()
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.serviceHost.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			log.Printf("[Daemon] %v", err)
			d.lifecycle.Shutdown()
		}
	}()
}

func (d *Daemon) setRunError(err error) {
	if err == nil {
		return
	}
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// Paths returns the on-disk layout in use.
func (d *Daemon) Paths() config.Paths {
	return d.paths
}

// RuntimeInfo exposes runtime metadata.
func (d *Daemon) RuntimeInfo() *RuntimeInfo {
	return d.runtimeInfo
}

// Service returns the command surface.
func (d *Daemon) Service() *commands.Service {
	return d.service
}
