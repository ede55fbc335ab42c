package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/proxypal/proxypal/internal/config"
	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/server"
	"github.com/proxypal/proxypal/internal/status"
	proxypalversion "github.com/proxypal/proxypal/internal/version"
)

type fakeDaemon struct {
	*httptest.Server
	mu   sync.Mutex
	puts [][]byte
}

func newFakeDaemon(t *testing.T, mux *http.ServeMux) *fakeDaemon {
	t.Helper()
	fd := &fakeDaemon{}
	mux.HandleFunc("PUT /config", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fd.mu.Lock()
		fd.puts = append(fd.puts, body)
		fd.mu.Unlock()
		writeTestJSON(w, http.StatusOK, server.ConfigResponse{
			Config:    store.Default(),
			Restarted: []status.Kind{status.KindProxy},
			Stopped:   []status.Kind{},
		})
	})
	fd.Server = httptest.NewServer(mux)
	t.Cleanup(fd.Close)
	return fd
}

func (fd *fakeDaemon) lastPut(t *testing.T) map[string]any {
	t.Helper()
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.puts) == 0 {
		t.Fatal("no PUT /config received")
	}
	var body map[string]any
	if err := json.Unmarshal(fd.puts[len(fd.puts)-1], &body); err != nil {
		t.Fatalf("decode PUT body: %v", err)
	}
	return body
}

func writeTestJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func runCLI(t *testing.T, addr, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--addr", addr}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestBuildConfigUpdate(t *testing.T) {
	update, err := buildConfigUpdate("copilot.port", "4242")
	if err != nil {
		t.Fatalf("buildConfigUpdate: %v", err)
	}
	data, _ := json.Marshal(update)
	if got, want := string(data), `{"copilot":{"port":4242}}`; got != want {
		t.Fatalf("update = %s, want %s", got, want)
	}

	update, err = buildConfigUpdate("proxyUrl", "http://corp:3128")
	if err != nil {
		t.Fatalf("buildConfigUpdate: %v", err)
	}
	if update["proxyUrl"] != "http://corp:3128" {
		t.Fatalf("expected plain string value, got %#v", update["proxyUrl"])
	}

	for _, key := range []string{"", "copilot.", ".port", "a..b"} {
		if _, err := buildConfigUpdate(key, "1"); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"true", true},
		{"8765", float64(8765)},
		{`"quoted"`, "quoted"},
		{"plain text", "plain text"},
	}
	for _, tt := range tests {
		if got := parseConfigValue(tt.raw); got != tt.want {
			t.Fatalf("parseConfigValue(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret("short"); got != "*****" {
		t.Fatalf("maskSecret(short) = %q", got)
	}
	if got := maskSecret("sk-abcdefghijkl"); got != "sk-a*******ijkl" {
		t.Fatalf("maskSecret(long) = %q", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	snap := status.Snapshot{
		Proxy:   status.ProcessStatus{Kind: status.KindProxy, State: status.StateRunning, Running: true, PID: 42, Endpoint: "http://localhost:8317/v1"},
		Copilot: status.ProcessStatus{Kind: status.KindCopilot, State: status.StateStopped, Reason: "exited: status 1"},
		Providers: map[string]status.ProviderStatus{
			"gemini": {Provider: "gemini", Accounts: 1},
			"claude": {Provider: "claude", Accounts: 2},
		},
	}
	var buf bytes.Buffer
	if err := writeSnapshot(&buf, snap); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"proxy", "42", "http://localhost:8317/v1", "exited: status 1", "claude", "gemini"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "claude") > strings.Index(out, "gemini") {
		t.Fatalf("providers not sorted:\n%s", out)
	}
}

func TestStatusCommandJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, status.Snapshot{
			Proxy: status.ProcessStatus{Kind: status.KindProxy, State: status.StateRunning, Running: true, Port: 8317},
		})
	})
	fd := newFakeDaemon(t, mux)

	stdout, _, err := runCLI(t, fd.URL, "", "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var snap status.Snapshot
	if err := json.Unmarshal([]byte(stdout), &snap); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if !snap.Proxy.Running || snap.Proxy.Port != 8317 {
		t.Fatalf("unexpected snapshot: %+v", snap.Proxy)
	}
}

func TestConfigSetSendsPartialUpdate(t *testing.T) {
	fd := newFakeDaemon(t, http.NewServeMux())

	stdout, _, err := runCLI(t, fd.URL, "", "config", "set", "port", "8765")
	if err != nil {
		t.Fatalf("config set: %v", err)
	}
	if got := fd.lastPut(t); len(got) != 1 || got["port"] != float64(8765) {
		t.Fatalf("unexpected PUT body: %#v", got)
	}
	if !strings.Contains(stdout, "Saved port; restarted proxy") {
		t.Fatalf("unexpected output: %q", stdout)
	}
}

func TestProviderAddKeyReadsStdin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		doc := store.Default()
		doc.ClaudeAPIKeys = []store.ProviderKey{{APIKey: "sk-existing"}}
		writeTestJSON(w, http.StatusOK, doc)
	})
	fd := newFakeDaemon(t, mux)

	_, _, err := runCLI(t, fd.URL, "sk-new-key\n", "provider", "add-key", "claude", "--base-url", "https://api.example.test")
	if err != nil {
		t.Fatalf("add-key: %v", err)
	}

	body := fd.lastPut(t)
	keys, ok := body["claudeApiKeys"].([]any)
	if !ok || len(keys) != 2 {
		t.Fatalf("expected two claude keys, got %#v", body["claudeApiKeys"])
	}
	added := keys[1].(map[string]any)
	if added["apiKey"] != "sk-new-key" || added["baseUrl"] != "https://api.example.test" {
		t.Fatalf("unexpected added key: %#v", added)
	}
}

func TestProviderAddKeyRejectsUnknownFamily(t *testing.T) {
	fd := newFakeDaemon(t, http.NewServeMux())
	if _, _, err := runCLI(t, fd.URL, "sk\n", "provider", "add-key", "myspace"); err == nil {
		t.Fatal("expected error for unknown family")
	}
}

func TestProcessCommandSurfacesConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /processes/{kind}/start", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusConflict, server.ErrorResponse{Error: "supervisor: already running"})
	})
	fd := newFakeDaemon(t, mux)

	_, stderr, err := runCLI(t, fd.URL, "", "start", "proxy")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(stderr, "already running") {
		t.Fatalf("stderr missing daemon message: %q", stderr)
	}

	if _, _, err := runCLI(t, fd.URL, "", "start", "teapot"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestConfigSetReportsRetryAction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /config", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusInternalServerError, server.PartialFailureResponse{
			Error:       "reconcile: configuration saved, process update failed: proxy: boom",
			ConfigSaved: true,
			Failed:      []status.Kind{status.KindProxy},
			Retry:       map[status.Kind]string{status.KindProxy: "start"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, stderr, err := runCLI(t, srv.URL, "", "config", "set", "port", "8765")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(stderr, "run 'proxypal start proxy'") {
		t.Fatalf("stderr missing retry hint: %q", stderr)
	}

	_, stderr, _ = runCLI(t, srv.URL, "", "--json", "config", "set", "port", "8765")
	var out map[string]any
	if err := json.Unmarshal([]byte(stderr), &out); err != nil {
		t.Fatalf("decode json error: %v (%q)", err, stderr)
	}
	if retry, _ := out["retry"].(map[string]any); retry["proxy"] != "start" {
		t.Fatalf("unexpected retry field: %#v", out["retry"])
	}
}

func TestDaemonStatusWithoutPIDFile(t *testing.T) {
	home := t.TempDir()
	stdout, _, err := runCLI(t, "127.0.0.1:1", "", "--json", "daemon", "status", "--home", home)
	if err != nil {
		t.Fatalf("daemon status: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v (%q)", err, stdout)
	}
	if out["running"] != false {
		t.Fatalf("unexpected status: %#v", out)
	}

	if _, _, err := runCLI(t, "127.0.0.1:1", "", "daemon", "stop", "--home", home); err == nil {
		t.Fatal("expected stop to fail without a running daemon")
	}
}

func TestDaemonStopSignalsRecordedPID(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	home := t.TempDir()
	child := exec.Command("sleep", "30")
	if err := child.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		child.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		child.Process.Kill()
		<-exited
	})

	if err := os.WriteFile(config.GetPaths(home).Lock, []byte(strconv.Itoa(child.Process.Pid)), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	stdout, _, err := runCLI(t, "127.0.0.1:1", "", "daemon", "stop", "--home", home, "--timeout", "5s")
	if err != nil {
		t.Fatalf("daemon stop: %v", err)
	}
	if !strings.Contains(stdout, "stopped") {
		t.Fatalf("unexpected output: %q", stdout)
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("child still running after daemon stop")
	}
}

func TestVersionCommandWarnsOnMismatch(t *testing.T) {
	t.Cleanup(proxypalversion.ForTesting("1.0.0"))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, server.VersionResponse{Version: "1.1.0"})
	})
	fd := newFakeDaemon(t, mux)

	stdout, _, err := runCLI(t, fd.URL, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(stdout, "Client: v1.0.0") || !strings.Contains(stdout, "Daemon: v1.1.0") {
		t.Fatalf("unexpected output: %q", stdout)
	}
	if !strings.Contains(stdout, "WARNING") {
		t.Fatalf("expected mismatch warning: %q", stdout)
	}
}

func TestVersionCommandDaemonUnavailable(t *testing.T) {
	stdout, _, err := runCLI(t, "127.0.0.1:1", "", "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(stdout), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["daemon"] != nil || data["daemon_error"] == nil {
		t.Fatalf("expected daemon error, got %#v", data)
	}
}
