package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	proxypalversion "github.com/proxypal/proxypal/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		RunE:  runVersion,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := proxypalversion.String()

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	var daemonVersion string
	var daemonErr error
	c, err := newDaemonClient(cmd)
	if err == nil {
		daemonVersion, daemonErr = c.Version(ctx)
	} else {
		daemonErr = err
	}

	if out.jsonMode {
		data := map[string]any{
			"client": clientVersion,
		}
		if daemonErr == nil {
			data["daemon"] = daemonVersion
			if w := proxypalversion.Mismatch(daemonVersion); w != "" {
				data["mismatch"] = true
				data["warning"] = w
			}
		} else {
			data["daemon"] = nil
			data["daemon_error"] = daemonErr.Error()
		}
		return out.Print(data)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Client: %s\n", proxypalversion.Display(clientVersion))
	if daemonErr != nil {
		fmt.Fprintf(w, "Daemon: unavailable (%v)\n", daemonErr)
		return nil
	}
	fmt.Fprintf(w, "Daemon: %s\n", proxypalversion.Display(daemonVersion))
	if warning := proxypalversion.Mismatch(daemonVersion); warning != "" {
		fmt.Fprintln(w, warning)
	}
	return nil
}
