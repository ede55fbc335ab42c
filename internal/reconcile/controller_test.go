package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/launch"
	"github.com/proxypal/proxypal/internal/status"
	"github.com/proxypal/proxypal/internal/supervisor"
)

type harness struct {
	store      *store.Store
	sup        *supervisor.Supervisor
	launcher   *supervisor.MockLauncher
	registry   *status.Registry
	builder    *launch.Builder
	controller *Controller
	path       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	st, err := store.Open(store.Options{Path: path})
	require.NoError(t, err)

	h := &harness{
		store:    st,
		launcher: supervisor.NewMockLauncher(),
		registry: status.NewRegistry(),
		builder:  launch.NewBuilder(launch.Options{RunDir: dir, AuthDir: filepath.Join(dir, "auths")}),
		path:     path,
	}
	h.sup = supervisor.New(supervisor.Options{
		Registry:    h.registry,
		Launcher:    h.launcher,
		GracePeriod: 50 * time.Millisecond,
		Readiness:   func(context.Context, string) error { return nil },
		PortCheck:   func(string) error { return nil },
	})
	h.controller = New(Options{
		Store:     st,
		Processes: h.sup,
		Registry:  h.registry,
		Builder:   h.builder,
	})
	return h
}

func (h *harness) start(t *testing.T, kind status.Kind) {
	t.Helper()
	spec, err := h.builder.Build(kind, h.store.Current())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(context.Background(), kind, spec))
}

func readPort(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	doc, err := store.Decode(data)
	require.NoError(t, err)
	return doc.Port
}

func TestApplyPortChangeRestartsRunningProxy(t *testing.T) {
	h := newHarness(t)
	h.start(t, status.KindProxy)

	next := h.store.Current()
	require.Equal(t, 8317, next.Port)
	next.Port = 8765

	result, err := h.controller.ApplyDocument(context.Background(), next)
	require.NoError(t, err)

	assert.Equal(t, 8765, readPort(t, h.path))
	assert.Equal(t, []status.Kind{status.KindProxy}, result.Restarted)
	assert.Equal(t, 2, h.launcher.LaunchCount(status.KindProxy))
	assert.Equal(t, 0, h.launcher.LaunchCount(status.KindCopilot))

	proxy := result.Snapshot.Process(status.KindProxy)
	assert.True(t, proxy.Running)
	assert.Equal(t, 8765, proxy.Port)
	assert.Equal(t, "http://localhost:8765/v1", proxy.Endpoint)

	records := h.launcher.Records()
	assert.Equal(t, 8765, records[len(records)-1].Spec.Port)
}

func TestApplyDeprecatedAmpProviderRestartsProxy(t *testing.T) {
	h := newHarness(t)
	h.start(t, status.KindProxy)

	next := h.store.Current()
	next.AmpOpenAIProvider = &store.OpenAIProvider{Name: "local", BaseURL: "http://127.0.0.1:11434/v1", APIKey: "lk"}

	result, err := h.controller.ApplyDocument(context.Background(), next)
	require.NoError(t, err)

	committed := h.store.Current()
	require.Len(t, committed.AmpOpenAIProviders, 1)
	assert.Nil(t, committed.AmpOpenAIProvider)

	assert.Equal(t, ActionRestart, result.Decision.For(status.KindProxy).Action)
	assert.Equal(t, []status.Kind{status.KindProxy}, result.Restarted)
	assert.Equal(t, 2, h.launcher.LaunchCount(status.KindProxy))

	running, err := h.builder.Build(status.KindProxy, committed)
	require.NoError(t, err)
	records := h.launcher.Records()
	assert.Equal(t, running.Fingerprint(), records[len(records)-1].Spec.Fingerprint())
}

func TestApplyLeavesStoppedProcessesAlone(t *testing.T) {
	h := newHarness(t)

	next := h.store.Current()
	next.Port = 9000
	next.Copilot.Port = 5151

	result, err := h.controller.ApplyDocument(context.Background(), next)
	require.NoError(t, err)

	assert.Equal(t, 9000, readPort(t, h.path))
	assert.ElementsMatch(t, []status.Kind{status.KindProxy, status.KindCopilot}, result.Decision.Affected())
	assert.Empty(t, result.Restarted)
	assert.Empty(t, h.launcher.Records())
	assert.False(t, result.Snapshot.Proxy.Running)
	assert.Equal(t, 9000, result.Snapshot.Proxy.Port)
	assert.Equal(t, "http://localhost:9000/v1", result.Snapshot.Proxy.Endpoint)
	assert.Equal(t, 5151, h.registry.Process(status.KindCopilot).Port)
}

func TestApplyUnrelatedChangeRestartsNothing(t *testing.T) {
	h := newHarness(t)
	h.start(t, status.KindProxy)

	next := h.store.Current()
	next.CloseToTray = !next.CloseToTray
	next.LaunchAtLogin = !next.LaunchAtLogin

	result, err := h.controller.ApplyDocument(context.Background(), next)
	require.NoError(t, err)

	assert.Empty(t, result.Decision.Affected())
	assert.Equal(t, 1, h.launcher.LaunchCount(status.KindProxy))
	assert.Equal(t, 0, h.launcher.StopCount(status.KindProxy))
	assert.True(t, result.Snapshot.Proxy.Running)
}

func TestApplyPersistenceFailureTouchesNoProcess(t *testing.T) {
	h := newHarness(t)
	h.start(t, status.KindProxy)

	// A directory at the target path makes the rename fail.
	require.NoError(t, os.RemoveAll(h.path))
	require.NoError(t, os.Mkdir(h.path, 0o755))

	next := h.store.Current()
	next.Port = 8765

	result, err := h.controller.ApplyDocument(context.Background(), next)
	require.Error(t, err)

	var perr *store.PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, h.launcher.LaunchCount(status.KindProxy))
	assert.Equal(t, 0, h.launcher.StopCount(status.KindProxy))
	assert.Equal(t, 8317, h.store.Current().Port)
	assert.Equal(t, 8317, result.Snapshot.Proxy.Port)
	assert.True(t, result.Snapshot.Proxy.Running)
}

func TestApplyRestartFailureKeepsConfigSaved(t *testing.T) {
	h := newHarness(t)
	h.start(t, status.KindProxy)

	h.launcher.SetError(errors.New("exec format error"))

	next := h.store.Current()
	next.Port = 8765

	result, err := h.controller.ApplyDocument(context.Background(), next)
	require.Error(t, err)

	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []status.Kind{status.KindProxy}, partial.Kinds())
	assert.True(t, supervisor.IsSpawnError(err))

	assert.Equal(t, 8765, readPort(t, h.path))
	assert.Equal(t, 8765, h.store.Current().Port)
	assert.False(t, result.Snapshot.Proxy.Running)
	assert.NotEmpty(t, result.Snapshot.Proxy.Reason)

	// A fresh start with the saved configuration recovers.
	h.launcher.SetError(nil)
	h.start(t, status.KindProxy)
	assert.Equal(t, 8765, h.registry.Process(status.KindProxy).Port)
}

func TestApplyDisablingCopilotStopsIt(t *testing.T) {
	h := newHarness(t)

	enabled := h.store.Current()
	enabled.Copilot.Enabled = true
	_, err := h.controller.ApplyDocument(context.Background(), enabled)
	require.NoError(t, err)

	h.start(t, status.KindProxy)
	h.start(t, status.KindCopilot)

	disabled := h.store.Current()
	disabled.Copilot.Enabled = false

	result, err := h.controller.ApplyDocument(context.Background(), disabled)
	require.NoError(t, err)

	assert.Equal(t, []status.Kind{status.KindCopilot}, result.Stopped)
	assert.False(t, result.Snapshot.Copilot.Running)
	assert.True(t, result.Snapshot.Proxy.Running)
	assert.Equal(t, 1, h.launcher.LaunchCount(status.KindProxy))
}

func TestApplyCopilotTokenRestartsOnlyCopilot(t *testing.T) {
	h := newHarness(t)
	h.start(t, status.KindProxy)
	h.start(t, status.KindCopilot)

	next := h.store.Current()
	next.Copilot.GitHubToken = "ghu_new"

	result, err := h.controller.ApplyDocument(context.Background(), next)
	require.NoError(t, err)

	assert.Equal(t, []status.Kind{status.KindCopilot}, result.Restarted)
	assert.Equal(t, 1, h.launcher.LaunchCount(status.KindProxy))
	assert.Equal(t, 2, h.launcher.LaunchCount(status.KindCopilot))
	records := h.launcher.Records()
	assert.Contains(t, records[len(records)-1].Spec.Args, "ghu_new")
}

func TestPartialFailureErrorMessage(t *testing.T) {
	err := &PartialFailureError{Failures: map[status.Kind]error{
		status.KindCopilot: errors.New("b"),
		status.KindProxy:   errors.New("a"),
	}}
	assert.Equal(t, "reconcile: configuration saved, process update failed: copilot: b; proxy: a", err.Error())
	assert.Len(t, err.Unwrap(), 2)
}
