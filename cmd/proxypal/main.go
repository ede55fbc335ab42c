package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxypal/proxypal/internal/client"
	proxypalversion "github.com/proxypal/proxypal/internal/version"
)

const requestTimeout = 30 * time.Second

// OutputFormatter handles output in JSON or human-readable format
type OutputFormatter struct {
	jsonMode bool
	out      io.Writer
	errOut   io.Writer
}

// newOutputFormatter creates a new formatter based on the command's --json flag
func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
}

// Print outputs data in the appropriate format
func (f *OutputFormatter) Print(data any) error {
	if s, ok := data.(string); ok && !f.jsonMode {
		fmt.Fprintln(f.out, s)
		return nil
	}
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(f.out, string(jsonBytes))
	return nil
}

// Success outputs a success message
func (f *OutputFormatter) Success(message string, data map[string]any) error {
	if f.jsonMode {
		output := map[string]any{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Fprintln(f.out, message)
	return nil
}

// Error outputs an error message and returns it wrapped.
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]any{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.ConfigSaved {
			output["config_saved"] = true
			output["failed"] = apiErr.Failed
			output["retry"] = apiErr.Retry
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(f.errOut, string(jsonBytes))
	} else {
		if err != nil {
			fmt.Fprintf(f.errOut, "%s: %v\n", message, err)
		} else {
			fmt.Fprintln(f.errOut, message)
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.ConfigSaved {
			for _, kind := range apiErr.Failed {
				action := apiErr.Retry[kind]
				if action == "" {
					action = "start"
				}
				fmt.Fprintf(f.errOut, "Configuration saved; run 'proxypal %s %s' to apply it.\n", action, kind)
			}
		}
	}
	if err == nil {
		return errors.New(message)
	}
	return fmt.Errorf("%s: %w", message, err)
}

// newDaemonClient honours --addr, then PROXYPAL_ADDR.
func newDaemonClient(cmd *cobra.Command) (*client.HTTPClient, error) {
	if addr, _ := cmd.Flags().GetString("addr"); strings.TrimSpace(addr) != "" {
		return client.NewHTTPClient(addr, nil)
	}
	return client.New()
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "proxypal",
		Short: "ProxyPal - control the local AI proxy daemon",
		Long: `ProxyPal manages a local AI API proxy and an optional GitHub Copilot
bridge through the proxypald daemon: edit configuration, start and stop
processes, log in to providers and watch their status.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = proxypalversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("addr", "", "Daemon address (default $PROXYPAL_ADDR or 127.0.0.1:8316)")

	rootCmd.AddCommand(
		newConfigCommand(),
		newStatusCommand(),
		newWatchCommand(),
		newProcessCommand("start", "Start a supervised process (proxy or copilot)"),
		newProcessCommand("stop", "Stop a supervised process"),
		newProcessCommand("restart", "Restart a supervised process from the saved configuration"),
		newProviderCommand(),
		newDetectProxyCommand(),
		newOAuthCommand(),
		newEventsCommand(),
		newDaemonCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
