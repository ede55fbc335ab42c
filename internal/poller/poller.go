// Package poller periodically refreshes provider account counts and the
// Copilot bridge's authenticated flag.
package poller

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/constants"
	"github.com/proxypal/proxypal/internal/status"
)

// AuthFilesPath is the management endpoint listing the proxy's accounts.
const AuthFilesPath = "/v0/management/auth-files"

// Fetcher reads JSON from a URL.
type Fetcher interface {
	FetchJSON(ctx context.Context, rawURL, bearer string, out any) error
}

// Authenticator receives the Copilot bridge's authentication state.
type Authenticator interface {
	SetAuthenticated(kind status.Kind, authenticated bool)
}

// AuthFile is one account entry reported by the management API.
type AuthFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Disabled    bool   `json:"disabled"`
	Unavailable bool   `json:"unavailable"`
	Email       string `json:"email,omitempty"`
}

type authFilesResponse struct {
	Files []AuthFile `json:"files"`
}

// Options configures a Poller.
type Options struct {
	Registry      *status.Registry
	Authenticator Authenticator
	Fetcher       Fetcher
	Config        func() store.Document
	Interval      time.Duration
	Now           func() time.Time
}

// Poller refreshes provider and Copilot status on a schedule.
type Poller struct {
	registry *status.Registry
	auth     Authenticator
	fetcher  Fetcher
	config   func() store.Document
	interval time.Duration
	now      func() time.Time

	refreshMu sync.Mutex

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates a Poller.
func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = constants.StatusPollInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Poller{
		registry: opts.Registry,
		auth:     opts.Authenticator,
		fetcher:  opts.Fetcher,
		config:   opts.Config,
		interval: opts.Interval,
		now:      opts.Now,
	}
}

// Start schedules Refresh every interval. Overlapping runs are skipped.
func (p *Poller) Start() error {
	p.cronMu.Lock()
	defer p.cronMu.Unlock()
	if p.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", p.interval)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.interval)
		defer cancel()
		p.Refresh(ctx)
	}); err != nil {
		return fmt.Errorf("poller: schedule %q: %w", spec, err)
	}
	c.Start()
	p.cron = c
	log.Printf("[Poller] Polling status %s", spec)
	return nil
}

// Stop cancels the schedule and waits for a running refresh, bounded by ctx.
func (p *Poller) Stop(ctx context.Context) {
	p.cronMu.Lock()
	c := p.cron
	p.cron = nil
	p.cronMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Refresh polls once and returns the resulting snapshot. Only running
// processes are queried.
func (p *Poller) Refresh(ctx context.Context) status.Snapshot {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if proxy := p.registry.Process(status.KindProxy); proxy.Running {
		p.refreshProviders(ctx, proxy)
	}
	if copilot := p.registry.Process(status.KindCopilot); copilot.Running {
		p.refreshCopilot(ctx, copilot)
	}
	return p.registry.Snapshot()
}

func (p *Poller) refreshProviders(ctx context.Context, proxy status.ProcessStatus) {
	doc := p.config()
	url := "http://127.0.0.1:" + strconv.Itoa(proxy.Port) + AuthFilesPath

	fetchCtx, cancel := context.WithTimeout(ctx, constants.ManagementAPITimeout)
	defer cancel()

	var resp authFilesResponse
	err := p.fetcher.FetchJSON(fetchCtx, url, doc.ManagementKey, &resp)
	now := p.now()

	statuses := make([]status.ProviderStatus, 0, len(status.Providers()))
	if err != nil {
		log.Printf("[Poller] WARNING: auth files: %v", err)
		for _, name := range status.Providers() {
			prev, _ := p.registry.Provider(name)
			statuses = append(statuses, status.ProviderStatus{
				Provider:  name,
				Accounts:  prev.Accounts,
				LastError: err.Error(),
				CheckedAt: now,
			})
		}
		p.registry.SetProviders(statuses)
		return
	}

	counts := CountAccounts(resp.Files)
	for _, name := range status.Providers() {
		statuses = append(statuses, status.ProviderStatus{
			Provider:  name,
			Accounts:  counts[name],
			CheckedAt: now,
		})
	}
	p.registry.SetProviders(statuses)
}

func (p *Poller) refreshCopilot(ctx context.Context, copilot status.ProcessStatus) {
	url := strings.TrimRight(copilot.Endpoint, "/") + "/v1/models"
	err := p.fetcher.FetchJSON(ctx, url, "", nil)
	if err != nil {
		log.Printf("[Poller] Copilot not authenticated: %v", err)
	}
	p.auth.SetAuthenticated(status.KindCopilot, err == nil)
}

// CountAccounts counts enabled accounts per known provider. The provider
// name falls back to the file type when empty.
func CountAccounts(files []AuthFile) map[string]int {
	counts := make(map[string]int)
	for _, file := range files {
		if file.Disabled {
			continue
		}
		name := file.Provider
		if name == "" {
			name = file.Type
		}
		provider, err := status.ParseProvider(name)
		if err != nil {
			continue
		}
		counts[provider]++
	}
	return counts
}
