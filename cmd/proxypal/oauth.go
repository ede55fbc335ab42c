package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxypal/proxypal/internal/oauth"
)

func newOAuthCommand() *cobra.Command {
	oauthCmd := &cobra.Command{
		Use:   "oauth",
		Short: "Log in to providers through the primary proxy",
	}

	beginCmd := &cobra.Command{
		Use:           "begin <provider>",
		Short:         "Start a login and print the URL to open",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutputFormatter(cmd)
			c, err := newDaemonClient(cmd)
			if err != nil {
				return out.Error("Failed to create client", err)
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			flow, err := c.BeginOAuth(ctx, args[0])
			if err != nil {
				return out.Error("Failed to start login", err)
			}
			if out.jsonMode {
				return out.Print(flow)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Open this URL to log in to %s:\n\n  %s\n\n", flow.Provider, flow.AuthURL)
			fmt.Fprintf(w, "Then run: proxypal oauth complete %s %s\n", flow.Provider, flow.State)
			fmt.Fprintf(w, "The login expires at %s.\n", flow.ExpiresAt.Local().Format(time.Kitchen))
			return nil
		},
	}

	completeCmd := &cobra.Command{
		Use:           "complete <provider> <state>",
		Short:         "Finish a pending login and refresh provider status",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutputFormatter(cmd)
			c, err := newDaemonClient(cmd)
			if err != nil {
				return out.Error("Failed to create client", err)
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			snap, err := c.CompleteOAuth(ctx, args[0], args[1])
			if err != nil {
				return out.Error("Failed to complete login", err)
			}
			accounts := 0
			if p, ok := snap.Providers[args[0]]; ok {
				accounts = p.Accounts
			}
			return out.Success(fmt.Sprintf("Login for %s completed", args[0]), map[string]any{
				"providers": snap.Providers,
				"accounts":  accounts,
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:           "cancel <provider>",
		Short:         "Discard a pending login",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutputFormatter(cmd)
			c, err := newDaemonClient(cmd)
			if err != nil {
				return out.Error("Failed to create client", err)
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			cancelled, err := c.CancelOAuth(ctx, args[0])
			if err != nil {
				return out.Error("Failed to cancel login", err)
			}
			msg := "No pending login for " + args[0]
			if cancelled {
				msg = "Cancelled pending login for " + args[0]
			}
			return out.Success(msg, map[string]any{"cancelled": cancelled})
		},
	}

	listCmd := &cobra.Command{
		Use:           "list [provider]",
		Short:         "List pending logins",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutputFormatter(cmd)
			c, err := newDaemonClient(cmd)
			if err != nil {
				return out.Error("Failed to create client", err)
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			var flows []oauth.Flow
			if len(args) == 1 {
				flow, err := c.PendingOAuthFlow(ctx, args[0])
				if err != nil {
					return out.Error("Failed to fetch login", err)
				}
				flows = []oauth.Flow{flow}
			} else {
				flows, err = c.PendingOAuth(ctx)
				if err != nil {
					return out.Error("Failed to list logins", err)
				}
			}
			if out.jsonMode {
				return out.Print(flows)
			}
			if len(flows) == 0 {
				return out.Print("No pending logins")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tSTATE\tEXPIRES")
			for _, f := range flows {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Provider, f.State, f.ExpiresAt.Local().Format(time.Kitchen))
			}
			return tw.Flush()
		},
	}

	oauthCmd.AddCommand(beginCmd, completeCmd, cancelCmd, listCmd)
	return oauthCmd
}
