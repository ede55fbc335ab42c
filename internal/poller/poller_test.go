package poller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/status"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []string
	bearers   []string
}

func (f *fakeFetcher) FetchJSON(_ context.Context, rawURL, bearer string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rawURL)
	f.bearers = append(f.bearers, bearer)
	if err := f.errs[rawURL]; err != nil {
		return err
	}
	body, ok := f.responses[rawURL]
	if !ok {
		return errors.New("unexpected url " + rawURL)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(body), out)
}

type fakeAuth struct {
	mu    sync.Mutex
	calls map[status.Kind][]bool
}

func (a *fakeAuth) SetAuthenticated(kind status.Kind, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[status.Kind][]bool)
	}
	a.calls[kind] = append(a.calls[kind], ok)
}

func newPoller(registry *status.Registry, fetcher Fetcher, auth Authenticator) *Poller {
	doc := store.Default()
	doc.ManagementKey = "mgmt-secret"
	return New(Options{
		Registry:      registry,
		Authenticator: auth,
		Fetcher:       fetcher,
		Config:        func() store.Document { return doc },
		Now:           func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
}

func TestRefreshSkipsStoppedProcesses(t *testing.T) {
	registry := status.NewRegistry()
	fetcher := &fakeFetcher{}
	p := newPoller(registry, fetcher, &fakeAuth{})

	snap := p.Refresh(context.Background())
	if len(fetcher.calls) != 0 {
		t.Fatalf("expected no calls, got %v", fetcher.calls)
	}
	if len(snap.Providers) != 0 {
		t.Fatalf("expected no provider slots, got %v", snap.Providers)
	}
}

func TestRefreshCountsAccounts(t *testing.T) {
	registry := status.NewRegistry()
	registry.SetProcess(status.ProcessStatus{Kind: status.KindProxy, State: status.StateRunning, Port: 8765})

	url := "http://127.0.0.1:8765" + AuthFilesPath
	fetcher := &fakeFetcher{responses: map[string]string{url: `{"files":[
		{"id":"1","provider":"claude"},
		{"id":"2","provider":"claude"},
		{"id":"3","provider":"codex"},
		{"id":"4","provider":"gemini","disabled":true},
		{"id":"5","type":"qwen"},
		{"id":"6","provider":"mystery"}
	]}`}}
	p := newPoller(registry, fetcher, &fakeAuth{})

	snap := p.Refresh(context.Background())

	if fetcher.bearers[0] != "mgmt-secret" {
		t.Fatalf("bearer = %q", fetcher.bearers[0])
	}
	want := map[string]int{"claude": 2, "openai": 1, "gemini": 0, "qwen": 1, "iflow": 0}
	for name, n := range want {
		if got := snap.Providers[name].Accounts; got != n {
			t.Errorf("%s accounts = %d, want %d", name, got, n)
		}
	}
	if len(snap.Providers) != len(status.Providers()) {
		t.Fatalf("provider slots = %d", len(snap.Providers))
	}
}

func TestRefreshRecordsErrorAndKeepsCounts(t *testing.T) {
	registry := status.NewRegistry()
	registry.SetProcess(status.ProcessStatus{Kind: status.KindProxy, State: status.StateRunning, Port: 8317})
	registry.SetProvider(status.ProviderStatus{Provider: "claude", Accounts: 3})

	url := "http://127.0.0.1:8317" + AuthFilesPath
	fetcher := &fakeFetcher{errs: map[string]error{url: errors.New("connection refused")}}
	p := newPoller(registry, fetcher, &fakeAuth{})

	snap := p.Refresh(context.Background())
	claude := snap.Providers["claude"]
	if claude.Accounts != 3 {
		t.Fatalf("accounts = %d, want 3", claude.Accounts)
	}
	if !strings.Contains(claude.LastError, "connection refused") {
		t.Fatalf("LastError = %q", claude.LastError)
	}
}

func TestRefreshCopilotAuthentication(t *testing.T) {
	registry := status.NewRegistry()
	registry.SetProcess(status.ProcessStatus{
		Kind:     status.KindCopilot,
		State:    status.StateRunning,
		Port:     4141,
		Endpoint: "http://localhost:4141",
	})

	modelsURL := "http://localhost:4141/v1/models"
	fetcher := &fakeFetcher{responses: map[string]string{modelsURL: `{"data":[]}`}}
	auth := &fakeAuth{}
	p := newPoller(registry, fetcher, auth)

	p.Refresh(context.Background())
	fetcher.errs = map[string]error{modelsURL: errors.New("401")}
	p.Refresh(context.Background())

	got := auth.calls[status.KindCopilot]
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("SetAuthenticated calls = %v", got)
	}
}

func TestStartStop(t *testing.T) {
	p := New(Options{Registry: status.NewRegistry(), Interval: time.Hour})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
	p.Stop(ctx)
}
