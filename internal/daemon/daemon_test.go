package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxypal/proxypal/internal/client"
	"github.com/proxypal/proxypal/internal/config"
	daemonruntime "github.com/proxypal/proxypal/internal/runtime"
	"github.com/proxypal/proxypal/internal/status"
	"github.com/proxypal/proxypal/internal/supervisor"
)

func testOptions(home string, launcher *supervisor.MockLauncher) Options {
	return Options{
		Home:        home,
		Listen:      "127.0.0.1:0",
		GracePeriod: 50 * time.Millisecond,
		Launcher:    launcher,
		Readiness:   func(context.Context, string) error { return nil },
		PortCheck:   func(string) error { return nil },
		Getenv:      func(string) string { return "" },
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDaemonRunAutostartsAndShutsDown(t *testing.T) {
	home := t.TempDir()
	launcher := supervisor.NewMockLauncher()

	d, err := New(testOptions(home, launcher))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	waitFor(t, func() bool { return d.RuntimeInfo().ListenAddr() != "" })
	c, err := client.NewHTTPClient(d.RuntimeInfo().ListenAddr(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	waitFor(t, func() bool {
		snap, err := c.Status(ctx)
		return err == nil && snap.Proxy.Running
	})
	assert.Equal(t, 1, launcher.LaunchCount(status.KindProxy))
	assert.Positive(t, d.RuntimeInfo().Uptime())

	pid, err := daemonruntime.ReadPIDFile(d.Paths().Lock)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	events, err := c.Events(ctx, status.KindProxy, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	d.Shutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.Equal(t, 1, launcher.StopCount(status.KindProxy))
	_, err = os.Stat(d.Paths().Lock)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDaemonRefusesLiveLock(t *testing.T) {
	home := t.TempDir()
	paths, err := config.EnsureDirs(home)
	require.NoError(t, err)
	// The test runner's parent is alive for the duration of the test.
	require.NoError(t, os.WriteFile(paths.Lock, []byte(strconv.Itoa(os.Getppid())), 0o600))

	_, err = New(testOptions(home, supervisor.NewMockLauncher()))
	require.ErrorIs(t, err, daemonruntime.ErrDaemonRunning)
}

func TestResolveBinary(t *testing.T) {
	binDir := t.TempDir()

	assert.Equal(t, "cli-proxy-api", resolveBinary("", binDir, "cli-proxy-api"))
	assert.Equal(t, "/opt/bin/proxy", resolveBinary("/opt/bin/proxy", binDir, "cli-proxy-api"))

	installed := filepath.Join(binDir, "cli-proxy-api")
	require.NoError(t, os.WriteFile(installed, []byte("#!/bin/sh\n"), 0o755))
	assert.Equal(t, installed, resolveBinary("", binDir, "cli-proxy-api"))
}
