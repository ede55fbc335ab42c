package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxypal/proxypal/internal/config"
	"github.com/proxypal/proxypal/internal/procutil"
	daemonruntime "github.com/proxypal/proxypal/internal/runtime"
)

const daemonStopPoll = 100 * time.Millisecond

func newDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:           "daemon",
		Short:         "Inspect or stop the local proxypald",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	daemonCmd.PersistentFlags().String("home", "", "ProxyPal home directory (default $PROXYPAL_HOME or the user config dir)")

	statusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Report whether proxypald is running",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}

	stopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Signal proxypald to shut down and wait for it to exit",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStop,
	}
	stopCmd.Flags().Duration("timeout", 15*time.Second, "How long to wait for the daemon to exit")

	daemonCmd.AddCommand(statusCmd, stopCmd)
	return daemonCmd
}

func daemonPIDFile(cmd *cobra.Command) string {
	home, _ := cmd.Flags().GetString("home")
	return config.GetPaths(home).Lock
}

func daemonStatus(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	pidFile := daemonPIDFile(cmd)

	pid, running := daemonruntime.LivePID(pidFile)
	if !running {
		return out.Success("proxypald is not running", map[string]any{
			"running":  false,
			"pid_file": pidFile,
		})
	}

	data := map[string]any{"running": true, "pid": pid, "pid_file": pidFile}
	message := fmt.Sprintf("proxypald is running (pid %d)", pid)

	if c, err := newDaemonClient(cmd); err == nil {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if v, err := c.Version(ctx); err == nil {
			data["version"] = v
			data["addr"] = c.BaseURL()
			message += fmt.Sprintf(", %s at %s", v, c.BaseURL())
		} else {
			data["api_error"] = err.Error()
			message += "; API unreachable: " + err.Error()
		}
	}
	return out.Success(message, data)
}

func daemonStop(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	pidFile := daemonPIDFile(cmd)
	timeout, _ := cmd.Flags().GetDuration("timeout")

	pid, running := daemonruntime.LivePID(pidFile)
	if !running {
		return out.Error("proxypald is not running", fmt.Errorf("no live pid in %s", pidFile))
	}

	if err := procutil.TerminateByPID(pid); err != nil {
		return out.Error("Failed to signal daemon", err)
	}

	deadline := time.Now().Add(timeout)
	for procutil.IsProcessAlive(pid) {
		if time.Now().After(deadline) {
			return out.Error("Daemon did not exit", fmt.Errorf("pid %d still alive after %v", pid, timeout))
		}
		select {
		case <-cmd.Context().Done():
			return out.Error("Interrupted while waiting for daemon", cmd.Context().Err())
		case <-time.After(daemonStopPoll):
		}
	}

	return out.Success(fmt.Sprintf("proxypald (pid %d) stopped", pid), map[string]any{
		"pid":    pid,
		"method": "signal",
	})
}
