package status

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewRegistryStartsNotStarted(t *testing.T) {
	r := NewRegistry()

	for _, kind := range Kinds() {
		st := r.Process(kind)
		if st.Kind != kind || st.State != StateNotStarted || st.Running {
			t.Fatalf("%s initial status = %+v", kind, st)
		}
	}
	if snap := r.Snapshot(); snap.Providers == nil || len(snap.Providers) != 0 {
		t.Fatalf("providers = %v, want empty map", snap.Providers)
	}
}

func TestSetProcessDerivesRunning(t *testing.T) {
	r := NewRegistry()

	r.SetProcess(ProcessStatus{Kind: KindCopilot, State: StateRunning, Port: 4141, Authenticated: true})
	if st := r.Process(KindCopilot); !st.Running || !st.Authenticated || st.UpdatedAt.IsZero() {
		t.Fatalf("running status = %+v", st)
	}

	r.SetProcess(ProcessStatus{Kind: KindCopilot, State: StateStopped, Port: 4141, Authenticated: true, Reason: "exit status 1"})
	st := r.Process(KindCopilot)
	if st.Running || st.Authenticated {
		t.Fatalf("stopped process must not be running or authenticated: %+v", st)
	}
	if st.State.Condition() != StateStopped || st.Reason == "" {
		t.Fatalf("stopped status = %+v", st)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.SetProvider(ProviderStatus{Provider: "claude", Accounts: 2})

	snap := r.Snapshot()
	snap.Providers["claude"] = ProviderStatus{Provider: "claude", Accounts: 99}
	delete(snap.Providers, "claude")

	if st, ok := r.Provider("claude"); !ok || st.Accounts != 2 {
		t.Fatalf("registry mutated through snapshot: %+v ok=%v", st, ok)
	}
}

func TestSnapshotIsNeverTorn(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			port := 8000 + i%1000
			r.SetProcess(ProcessStatus{
				Kind:     KindProxy,
				State:    StateRunning,
				Port:     port,
				Endpoint: fmt.Sprintf("http://localhost:%d/v1", port),
			})
		}
	}()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		st := r.Snapshot().Proxy
		if st.State == StateNotStarted {
			continue
		}
		if want := fmt.Sprintf("http://localhost:%d/v1", st.Port); st.Endpoint != want {
			close(stop)
			wg.Wait()
			t.Fatalf("torn read: port %d endpoint %s", st.Port, st.Endpoint)
		}
	}
	close(stop)
	wg.Wait()
}

func TestSubscribeReceivesLatest(t *testing.T) {
	r := NewRegistry()
	ch, cancel := r.Subscribe(1)
	defer cancel()

	initial := <-ch
	if initial.Proxy.State != StateNotStarted {
		t.Fatalf("initial snapshot = %+v", initial.Proxy)
	}

	for port := 1; port <= 5; port++ {
		r.SetProcess(ProcessStatus{Kind: KindProxy, State: StateRunning, Port: port})
	}

	select {
	case snap := <-ch:
		if snap.Proxy.Port != 5 {
			t.Fatalf("subscriber saw port %d, want latest 5", snap.Proxy.Port)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	r := NewRegistry()
	ch, cancel := r.Subscribe(4)
	<-ch
	cancel()
	cancel()

	r.SetProvider(ProviderStatus{Provider: "gemini"})

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"proxy", KindProxy, false},
		{" Copilot ", KindCopilot, false},
		{"bridge", KindCopilot, false},
		{"primary", KindProxy, false},
		{"other", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"claude", ProviderClaude, false},
		{"Anthropic", ProviderClaude, false},
		{"codex", ProviderOpenAI, false},
		{"gemini-cli", ProviderGemini, false},
		{" iflow ", ProviderIFlow, false},
		{"bing", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProvider(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseProvider(%q) = %q, %v", tt.in, got, err)
		}
	}
}
