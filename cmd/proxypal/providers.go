package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/probe"
)

var keyFamilies = []string{"claude", "gemini", "codex"}

func newProviderCommand() *cobra.Command {
	providerCmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage upstream provider keys and test connectivity",
	}

	testCmd := &cobra.Command{
		Use:           "test",
		Short:         "Test an OpenAI-compatible endpoint by listing its models",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runProviderTest,
	}
	testCmd.Flags().String("base-url", "", "Provider base URL (required)")
	testCmd.Flags().String("provider", "", "Provider family, selects the auth header (claude, gemini, openai...)")
	testCmd.Flags().Bool("api-key-stdin", false, "Read the API key from stdin instead of prompting")
	testCmd.Flags().Bool("no-key", false, "Send the request without an API key")
	testCmd.Flags().StringToString("header", nil, "Extra request headers (key=value)")

	addKeyCmd := &cobra.Command{
		Use:           "add-key <claude|gemini|codex>",
		Short:         "Add an API key for a provider family",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runProviderAddKey,
	}
	addKeyCmd.Flags().String("base-url", "", "Custom base URL for this key")
	addKeyCmd.Flags().String("proxy-url", "", "Outbound proxy for this key")
	addKeyCmd.Flags().Bool("api-key-stdin", false, "Read the API key from stdin instead of prompting")

	keysCmd := &cobra.Command{
		Use:           "keys",
		Short:         "List configured API keys (masked)",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runProviderKeys,
	}

	providerCmd.AddCommand(testCmd, addKeyCmd, keysCmd)
	return providerCmd
}

func runProviderTest(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	baseURL, _ := cmd.Flags().GetString("base-url")
	if strings.TrimSpace(baseURL) == "" {
		return out.Error("--base-url is required", nil)
	}
	provider, _ := cmd.Flags().GetString("provider")
	headers, _ := cmd.Flags().GetStringToString("header")

	target := probe.Target{Provider: provider, BaseURL: baseURL, Headers: headers}
	if noKey, _ := cmd.Flags().GetBool("no-key"); !noKey {
		key, err := readSecret(cmd, "API key: ")
		if err != nil {
			return out.Error("Failed to read API key", err)
		}
		target.APIKey = key
	}

	c, err := newDaemonClient(cmd)
	if err != nil {
		return out.Error("Failed to create client", err)
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	result, err := c.TestProvider(ctx, target)
	if err != nil {
		return out.Error("Provider test failed", err)
	}
	if out.jsonMode {
		return out.Print(result)
	}

	line := result.Message
	if result.LatencyMs != nil {
		line += fmt.Sprintf(" (%d ms)", *result.LatencyMs)
	}
	if result.Success {
		fmt.Fprintln(cmd.OutOrStdout(), "OK: "+line)
		return nil
	}
	return out.Error("FAILED", errors.New(line))
}

func runProviderAddKey(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	family := strings.ToLower(strings.TrimSpace(args[0]))
	if !isKeyFamily(family) {
		return out.Error("Unknown provider family", fmt.Errorf("%q (want one of %s)", family, strings.Join(keyFamilies, ", ")))
	}

	key, err := readSecret(cmd, fmt.Sprintf("%s API key: ", family))
	if err != nil {
		return out.Error("Failed to read API key", err)
	}
	baseURL, _ := cmd.Flags().GetString("base-url")
	proxyURL, _ := cmd.Flags().GetString("proxy-url")

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
	entry := store.ProviderKey{APIKey: key, BaseURL: strings.TrimSpace(baseURL), ProxyURL: strings.TrimSpace(proxyURL)}
	list := keyList(&doc, family)
	*list = append(*list, entry)

	update := map[string]any{keyField(family): *list}
	resp, err := c.PutConfig(ctx, update)
	if err != nil {
		return out.Error("Failed to save configuration", err)
	}
	return out.Success(describeConfigResponse(keyField(family), resp), map[string]any{
		"family":    family,
		"keys":      len(*list),
		"restarted": resp.Restarted,
	})
}

func runProviderKeys(cmd *cobra.Command, _ []string) error {
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

	type keyRow struct {
		Family  string `json:"family"`
		Key     string `json:"key"`
		BaseURL string `json:"baseUrl,omitempty"`
	}
	var rows []keyRow
	for _, family := range keyFamilies {
		for _, k := range *keyList(&doc, family) {
			rows = append(rows, keyRow{Family: family, Key: maskSecret(k.APIKey), BaseURL: k.BaseURL})
		}
	}
	if out.jsonMode {
		if rows == nil {
			rows = []keyRow{}
		}
		return out.Print(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No API keys configured")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tKEY\tBASE URL")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Family, r.Key, r.BaseURL)
	}
	return tw.Flush()
}

func isKeyFamily(family string) bool {
	for _, f := range keyFamilies {
		if f == family {
			return true
		}
	}
	return false
}

func keyField(family string) string {
	return family + "ApiKeys"
}

func keyList(doc *store.Document, family string) *[]store.ProviderKey {
	switch family {
	case "claude":
		return &doc.ClaudeAPIKeys
	case "gemini":
		return &doc.GeminiAPIKeys
	default:
		return &doc.CodexAPIKeys
	}
}

// maskSecret keeps the first and last four characters of long secrets.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// readSecret prompts without echo on a terminal and reads one line from
// stdin otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fromStdin, _ := cmd.Flags().GetBool("api-key-stdin")
	in := cmd.InOrStdin()

	if !fromStdin && in == io.Reader(os.Stdin) && terminal.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		secret, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return nonEmptySecret(string(secret))
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return nonEmptySecret(line)
}

func nonEmptySecret(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty secret")
	}
	return s, nil
}

func newDetectProxyCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "detect-proxy",
		Short:         "Show the system HTTP proxy the daemon would use",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newOutputFormatter(cmd)
			c, err := newDaemonClient(cmd)
			if err != nil {
				return out.Error("Failed to create client", err)
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			result, err := c.SystemProxy(ctx)
			if err != nil {
				return out.Error("Failed to detect proxy", err)
			}
			if out.jsonMode {
				return out.Print(result)
			}
			if !result.Found() {
				return out.Print("No system proxy detected")
			}
			return out.Print(fmt.Sprintf("%s (from %s)", result.URL, result.Source))
		},
	}
}
