package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxypal/proxypal/internal/status"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "events [proxy|copilot]",
		Short:         "Show recent process lifecycle events",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runEvents,
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of events")
	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	var kind status.Kind
	if len(args) == 1 {
		parsed, err := status.ParseKind(args[0])
		if err != nil {
			return out.Error("Invalid process", err)
		}
		kind = parsed
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 1 {
		return out.Error("--limit must be positive", nil)
	}

	c, err := newDaemonClient(cmd)
	if err != nil {
		return out.Error("Failed to create client", err)
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	events, err := c.Events(ctx, kind, limit)
	if err != nil {
		return out.Error("Failed to fetch events", err)
	}
	if out.jsonMode {
		return out.Print(events)
	}
	if len(events) == 0 {
		return out.Print("No events recorded")
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPROCESS\tEVENT\tPID\tREASON")
	for _, ev := range events {
		pid := "-"
		if ev.PID > 0 {
			pid = fmt.Sprint(ev.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.At.Local().Format(time.DateTime), ev.Kind, ev.Type, pid, ev.Reason)
	}
	return tw.Flush()
}
