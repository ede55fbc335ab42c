package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/proxypal/proxypal/internal/config"
	"github.com/proxypal/proxypal/internal/server"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change the daemon configuration",
	}

	showCmd := &cobra.Command{
		Use:           "show",
		Short:         "Print the saved configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runConfigShow,
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration key (dotted keys reach nested objects, e.g. copilot.port)",
		Long: `Set a configuration key. The value is parsed as JSON when possible and
used as a plain string otherwise, so "8765", "true" and '["a"]' keep their
types. Running processes affected by the change are restarted.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runConfigSet,
	}

	pathCmd := &cobra.Command{
		Use:           "path",
		Short:         "Print the local configuration file path",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newOutputFormatter(cmd).Print(config.GetPaths("").Config)
		},
	}

	configCmd.AddCommand(showCmd, setCmd, pathCmd)
	return configCmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	c, err := newDaemonClient(cmd)
	if err != nil {
		return out.Error("Failed to create client", err)
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	doc, err := c.GetConfig(ctx)
	if err != nil {
		return out.Error("Failed to load configuration", err)
	}
	if out.jsonMode {
		return out.Print(doc)
	}

	// Round-trip through JSON so YAML keys match the file on disk.
	raw, err := json.Marshal(doc)
	if err != nil {
		return out.Error("Failed to encode configuration", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return out.Error("Failed to encode configuration", err)
	}
	data, err := yaml.Marshal(tree)
	if err != nil {
		return out.Error("Failed to encode configuration", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	update, err := buildConfigUpdate(args[0], args[1])
	if err != nil {
		return out.Error("Invalid key", err)
	}

	c, err := newDaemonClient(cmd)
	if err != nil {
		return out.Error("Failed to create client", err)
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	resp, err := c.PutConfig(ctx, update)
	if err != nil {
		return out.Error("Failed to save configuration", err)
	}
	return out.Success(describeConfigResponse(args[0], resp), map[string]any{
		"restarted": resp.Restarted,
		"stopped":   resp.Stopped,
	})
}

// buildConfigUpdate turns a dotted key and raw value into a partial
// document, e.g. ("copilot.port", "4242") -> {"copilot":{"port":4242}}.
func buildConfigUpdate(key, raw string) (map[string]any, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil, fmt.Errorf("malformed key %q", key)
		}
	}

	var value any = parseConfigValue(raw)
	for i := len(parts) - 1; i > 0; i-- {
		value = map[string]any{parts[i]: value}
	}
	return map[string]any{parts[0]: value}, nil
}

func parseConfigValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return raw
}

func describeConfigResponse(key string, resp server.ConfigResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Saved %s", key)
	if len(resp.Restarted) > 0 {
		fmt.Fprintf(&b, "; restarted %s", joinKinds(resp.Restarted))
	}
	if len(resp.Stopped) > 0 {
		fmt.Fprintf(&b, "; stopped %s", joinKinds(resp.Stopped))
	}
	return b.String()
}
