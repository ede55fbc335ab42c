// Package oauth tracks provider login flows that were started but not yet
// completed.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/proxypal/proxypal/internal/constants"
	"github.com/proxypal/proxypal/internal/status"
)

var (
	// ErrNoPendingFlow is returned when no flow is pending for a provider.
	ErrNoPendingFlow = errors.New("oauth: no pending flow")
	// ErrStateMismatch is returned when the callback state does not match
	// the pending flow. The flow stays pending.
	ErrStateMismatch = errors.New("oauth: state mismatch")
	// ErrFlowExpired is returned when the pending flow outlived its TTL. The
	// flow is discarded.
	ErrFlowExpired = errors.New("oauth: flow expired")
)

// Flow is a pending login for one provider.
type Flow struct {
	Provider  string    `json:"provider"`
	State     string    `json:"state"`
	AuthURL   string    `json:"authUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the flow is past its deadline at now.
func (f Flow) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// Options configures a Flows tracker.
type Options struct {
	TTL      time.Duration
	Now      func() time.Time
	NewState func() string
}

// Flows holds at most one pending flow per provider.
type Flows struct {
	ttl      time.Duration
	now      func() time.Time
	newState func() string

	mu    sync.Mutex
	flows map[string]Flow

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates an empty tracker.
func New(opts Options) *Flows {
	if opts.TTL <= 0 {
		opts.TTL = constants.OAuthFlowTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewState == nil {
		opts.NewState = uuid.NewString
	}
	return &Flows{
		ttl:      opts.TTL,
		now:      opts.Now,
		newState: opts.NewState,
		flows:    make(map[string]Flow),
	}
}

// Begin registers a new flow for provider, replacing any flow already
// pending for it. When state is empty a fresh one is generated.
func (f *Flows) Begin(provider, state, authURL string) (Flow, error) {
	name, err := status.ParseProvider(provider)
	if err != nil {
		return Flow{}, err
	}
	if state == "" {
		state = f.newState()
	}

	now := f.now()
	flow := Flow{
		Provider:  name,
		State:     state,
		AuthURL:   authURL,
		CreatedAt: now,
		ExpiresAt: now.Add(f.ttl),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepLocked(now)
	if _, replaced := f.flows[name]; replaced {
		log.Printf("[OAuth] Replacing pending %s flow", name)
	}
	f.flows[name] = flow
	return flow, nil
}

// Complete consumes the pending flow for provider when state matches.
func (f *Flows) Complete(provider, state string) (Flow, error) {
	name, err := status.ParseProvider(provider)
	if err != nil {
		return Flow{}, err
	}

	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()

	flow, ok := f.flows[name]
	if !ok {
		return Flow{}, fmt.Errorf("%w for %s", ErrNoPendingFlow, name)
	}
	if flow.Expired(now) {
		delete(f.flows, name)
		return Flow{}, fmt.Errorf("%w: %s flow started %s", ErrFlowExpired, name, flow.CreatedAt.Format(time.RFC3339))
	}
	if flow.State != state {
		return Flow{}, fmt.Errorf("%w for %s", ErrStateMismatch, name)
	}
	delete(f.flows, name)
	return flow, nil
}

// Cancel discards the pending flow for provider. It reports whether one
// was pending.
func (f *Flows) Cancel(provider string) (bool, error) {
	name, err := status.ParseProvider(provider)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.flows[name]
	delete(f.flows, name)
	return ok, nil
}

// Pending returns the live flow for provider or ErrNoPendingFlow.
func (f *Flows) Pending(provider string) (Flow, error) {
	name, err := status.ParseProvider(provider)
	if err != nil {
		return Flow{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepLocked(f.now())
	flow, ok := f.flows[name]
	if !ok {
		return Flow{}, fmt.Errorf("%w for %s", ErrNoPendingFlow, name)
	}
	return flow, nil
}

// List returns live flows ordered by expiry.
func (f *Flows) List() []Flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepLocked(f.now())

	out := make([]Flow, 0, len(f.flows))
	for _, flow := range f.flows {
		out = append(out, flow)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Sweep drops expired flows and returns how many were dropped.
func (f *Flows) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweepLocked(f.now())
}

func (f *Flows) sweepLocked(now time.Time) int {
	removed := 0
	for name, flow := range f.flows {
		if flow.Expired(now) {
			delete(f.flows, name)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on a schedule until StopSweeper is called.
func (f *Flows) StartSweeper(interval time.Duration) error {
	if interval <= 0 {
		interval = constants.OAuthSweepInterval
	}

	f.cronMu.Lock()
	defer f.cronMu.Unlock()
	if f.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if n := f.Sweep(); n > 0 {
			log.Printf("[OAuth] Dropped %d expired flow(s)", n)
		}
	}); err != nil {
		return fmt.Errorf("oauth: schedule sweeper: %w", err)
	}
	c.Start()
	f.cron = c
	return nil
}

// StopSweeper stops the sweeper and waits for a running sweep to finish.
func (f *Flows) StopSweeper(ctx context.Context) {
	f.cronMu.Lock()
	c := f.cron
	f.cron = nil
	f.cronMu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
