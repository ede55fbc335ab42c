// Package commands is the operation surface shared by every front end. It
// holds no state of its own: configuration goes through the reconcile
// controller, process control through the supervisor, and status reads
// come from the registry.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/constants"
	"github.com/proxypal/proxypal/internal/launch"
	"github.com/proxypal/proxypal/internal/oauth"
	"github.com/proxypal/proxypal/internal/probe"
	"github.com/proxypal/proxypal/internal/reconcile"
	"github.com/proxypal/proxypal/internal/status"
	"github.com/proxypal/proxypal/internal/supervisor"
	"github.com/proxypal/proxypal/internal/sysproxy"
)

var (
	// ErrCopilotDisabled rejects starting the Copilot bridge while it is
	// disabled in the configuration.
	ErrCopilotDisabled = errors.New("commands: copilot bridge is disabled")
	// ErrOAuthUnsupported rejects OAuth for providers that log in another way.
	ErrOAuthUnsupported = errors.New("commands: provider does not support oauth login")
	// ErrInvalidInput marks request validation failures.
	ErrInvalidInput = errors.New("commands: invalid input")
)

// ConfigStore is the read side of the configuration store.
type ConfigStore interface {
	Current() store.Document
}

// Applier persists configuration changes and reconciles processes.
type Applier interface {
	ApplyDocument(ctx context.Context, doc store.Document) (reconcile.Result, error)
}

// Processes controls supervised processes.
type Processes interface {
	Start(ctx context.Context, kind status.Kind, spec launch.Spec) error
	Stop(ctx context.Context, kind status.Kind) error
	Restart(ctx context.Context, kind status.Kind, spec launch.Spec) error
}

// Prober performs outbound HTTP checks.
type Prober interface {
	TestProvider(ctx context.Context, target probe.Target) probe.Result
	FetchJSON(ctx context.Context, rawURL, bearer string, out any) error
}

// ProxyDetector finds the system proxy.
type ProxyDetector interface {
	Detect(ctx context.Context) sysproxy.Result
}

// Refresher polls provider and bridge status on demand.
type Refresher interface {
	Refresh(ctx context.Context) status.Snapshot
}

// EventSource lists journaled lifecycle events.
type EventSource interface {
	Recent(ctx context.Context, kind status.Kind, limit int) ([]supervisor.Event, error)
}

// Options wires a Service. Every field is required except Events.
type Options struct {
	Store     ConfigStore
	Applier   Applier
	Processes Processes
	Registry  *status.Registry
	Builder   *launch.Builder
	Prober    Prober
	Detector  ProxyDetector
	Flows     *oauth.Flows
	Refresher Refresher
	Events    EventSource
}

// Service implements the command surface.
type Service struct {
	store     ConfigStore
	applier   Applier
	processes Processes
	registry  *status.Registry
	builder   *launch.Builder
	prober    Prober
	detector  ProxyDetector
	flows     *oauth.Flows
	refresher Refresher
	events    EventSource
}

// New creates a Service.
func New(opts Options) *Service {
	return &Service{
		store:     opts.Store,
		applier:   opts.Applier,
		processes: opts.Processes,
		registry:  opts.Registry,
		builder:   opts.Builder,
		prober:    opts.Prober,
		detector:  opts.Detector,
		flows:     opts.Flows,
		refresher: opts.Refresher,
		events:    opts.Events,
	}
}

// GetConfig returns a copy of the committed configuration.
func (s *Service) GetConfig() store.Document {
	return s.store.Current()
}

// SaveConfig persists doc and restarts whatever running process it affects.
func (s *Service) SaveConfig(ctx context.Context, doc store.Document) (reconcile.Result, error) {
	return s.applier.ApplyDocument(ctx, doc)
}

// GetStatus returns the current status snapshot. It has no side effects.
func (s *Service) GetStatus() status.Snapshot {
	return s.registry.Snapshot()
}

// Subscribe streams status snapshots until cancel is called.
func (s *Service) Subscribe(buffer int) (<-chan status.Snapshot, func()) {
	return s.registry.Subscribe(buffer)
}

// Start launches kind from the committed configuration.
func (s *Service) Start(ctx context.Context, kind status.Kind) (status.Snapshot, error) {
	doc := s.store.Current()
	if kind == status.KindCopilot && !doc.Copilot.Enabled {
		return s.registry.Snapshot(), ErrCopilotDisabled
	}
	spec, err := s.builder.Build(kind, doc)
	if err != nil {
		return s.registry.Snapshot(), err
	}
	err = s.processes.Start(ctx, kind, spec)
	return s.registry.Snapshot(), err
}

// Stop terminates kind.
func (s *Service) Stop(ctx context.Context, kind status.Kind) (status.Snapshot, error) {
	err := s.processes.Stop(ctx, kind)
	return s.registry.Snapshot(), err
}

// Restart stops kind and starts it from the committed configuration.
func (s *Service) Restart(ctx context.Context, kind status.Kind) (status.Snapshot, error) {
	spec, err := s.builder.Build(kind, s.store.Current())
	if err != nil {
		return s.registry.Snapshot(), err
	}
	err = s.processes.Restart(ctx, kind, spec)
	return s.registry.Snapshot(), err
}

// TestProviderConnection checks that target answers a model listing. The
// configured upstream proxy is used unless target names its own.
func (s *Service) TestProviderConnection(ctx context.Context, target probe.Target) probe.Result {
	if target.ProxyURL == "" {
		target.ProxyURL = s.store.Current().ProxyURL
	}
	return s.prober.TestProvider(ctx, target)
}

// DetectSystemProxy reports the proxy configured in the environment or OS.
func (s *Service) DetectSystemProxy(ctx context.Context) sysproxy.Result {
	return s.detector.Detect(ctx)
}

// RefreshStatus polls running processes now instead of waiting for the
// next scheduled poll.
func (s *Service) RefreshStatus(ctx context.Context) status.Snapshot {
	return s.refresher.Refresh(ctx)
}

// Events returns the newest lifecycle events, optionally for one kind.
func (s *Service) Events(ctx context.Context, kind status.Kind, limit int) ([]supervisor.Event, error) {
	if s.events == nil {
		return nil, nil
	}
	return s.events.Recent(ctx, kind, limit)
}

// authURLEndpoints maps providers to the management API path that starts
// their login.
var authURLEndpoints = map[string]string{
	status.ProviderClaude:      "anthropic-auth-url",
	status.ProviderOpenAI:      "codex-auth-url",
	status.ProviderGemini:      "gemini-cli-auth-url",
	status.ProviderQwen:        "qwen-auth-url",
	status.ProviderIFlow:       "iflow-auth-url",
	status.ProviderAntigravity: "antigravity-auth-url",
}

type authURLResponse struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// BeginOAuth asks the running proxy for a login URL and records the flow
// as pending. The caller opens the URL in a browser.
func (s *Service) BeginOAuth(ctx context.Context, provider string) (oauth.Flow, error) {
	name, err := status.ParseProvider(provider)
	if err != nil {
		return oauth.Flow{}, err
	}
	endpoint, ok := authURLEndpoints[name]
	if !ok {
		return oauth.Flow{}, fmt.Errorf("%w: %s", ErrOAuthUnsupported, name)
	}

	proxy := s.registry.Process(status.KindProxy)
	if !proxy.Running {
		return oauth.Flow{}, fmt.Errorf("commands: begin %s login: %w", name, supervisor.ErrNotRunning)
	}

	doc := s.store.Current()
	target := "http://127.0.0.1:" + strconv.Itoa(proxy.Port) + "/v0/management/" + endpoint + "?is_webui=true"
	fetchCtx, cancel := context.WithTimeout(ctx, constants.ManagementAPITimeout)
	defer cancel()

	var resp authURLResponse
	if err := s.prober.FetchJSON(fetchCtx, target, doc.ManagementKey, &resp); err != nil {
		return oauth.Flow{}, fmt.Errorf("commands: begin %s login: %w", name, err)
	}
	if resp.URL == "" {
		msg := resp.Error
		if msg == "" {
			msg = "no authorization URL returned"
		}
		return oauth.Flow{}, fmt.Errorf("commands: begin %s login: %s", name, msg)
	}
	if resp.State == "" {
		if parsed, err := url.Parse(resp.URL); err == nil {
			resp.State = parsed.Query().Get("state")
		}
	}

	flow, err := s.flows.Begin(name, resp.State, resp.URL)
	if err != nil {
		return oauth.Flow{}, err
	}
	log.Printf("[Commands] Started %s login, expires %s", name, flow.ExpiresAt.Format("15:04:05"))
	return flow, nil
}

// CompleteOAuth consumes the pending flow for provider and refreshes
// account counts.
func (s *Service) CompleteOAuth(ctx context.Context, provider, state string) (status.Snapshot, error) {
	if state == "" {
		return s.registry.Snapshot(), fmt.Errorf("%w: state is required", ErrInvalidInput)
	}
	if _, err := s.flows.Complete(provider, state); err != nil {
		return s.registry.Snapshot(), err
	}
	return s.refresher.Refresh(ctx), nil
}

// CancelOAuth discards the pending flow for provider.
func (s *Service) CancelOAuth(provider string) (bool, error) {
	return s.flows.Cancel(provider)
}

// PendingOAuth lists live flows.
func (s *Service) PendingOAuth() []oauth.Flow {
	return s.flows.List()
}

// PendingOAuthFlow returns the live flow for provider.
func (s *Service) PendingOAuthFlow(provider string) (oauth.Flow, error) {
	return s.flows.Pending(provider)
}
