package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/proxypal/proxypal/internal/status"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show process and provider status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runStatus,
	}
	cmd.Flags().Bool("refresh", false, "Poll providers before printing")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	c, err := newDaemonClient(cmd)
	if err != nil {
		return out.Error("Failed to create client", err)
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	var snap status.Snapshot
	if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
		snap, err = c.RefreshStatus(ctx)
	} else {
		snap, err = c.Status(ctx)
	}
	if err != nil {
		return out.Error("Failed to fetch status", err)
	}
	if out.jsonMode {
		return out.Print(snap)
	}
	return writeSnapshot(cmd.OutOrStdout(), snap)
}

func writeSnapshot(w io.Writer, snap status.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROCESS\tSTATE\tPID\tENDPOINT\tAUTH\tREASON")
	for _, proc := range []status.ProcessStatus{snap.Proxy, snap.Copilot} {
		pid := "-"
		if proc.PID > 0 {
			pid = fmt.Sprint(proc.PID)
		}
		auth := "-"
		if proc.Kind == status.KindCopilot && proc.Running {
			auth = yesNo(proc.Authenticated)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", proc.Kind, proc.State, pid, proc.Endpoint, auth, proc.Reason)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "PROVIDER\tACCOUNTS\tERROR")
	names := make([]string, 0, len(snap.Providers))
	for name := range snap.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := snap.Providers[name]
		fmt.Fprintf(tw, "%s\t%d\t%s\n", name, p.Accounts, p.LastError)
	}
	return tw.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func joinKinds(kinds []status.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

func newProcessCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:           action + " <proxy|copilot>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcessAction(cmd, action, args[0])
		},
	}
}

func runProcessAction(cmd *cobra.Command, action, rawKind string) error {
	out := newOutputFormatter(cmd)
	kind, err := status.ParseKind(rawKind)
	if err != nil {
		return out.Error("Invalid process", err)
	}
	c, err := newDaemonClient(cmd)
	if err != nil {
		return out.Error("Failed to create client", err)
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	var snap status.Snapshot
	switch action {
	case "start":
		snap, err = c.Start(ctx, kind)
	case "stop":
		snap, err = c.Stop(ctx, kind)
	case "restart":
		snap, err = c.Restart(ctx, kind)
	default:
		return out.Error("Unknown action "+action, nil)
	}
	if err != nil {
		return out.Error(fmt.Sprintf("Failed to %s %s", action, kind), err)
	}

	proc := snap.Process(kind)
	return out.Success(fmt.Sprintf("%s is %s (%s)", kind, proc.State, proc.Endpoint), map[string]any{
		"status": proc,
	})
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "watch",
		Short:         "Stream status changes until interrupted",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	c, err := newDaemonClient(cmd)
	if err != nil {
		return out.Error("Failed to create client", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	w := cmd.OutOrStdout()
	redraw := !out.jsonMode && term.IsTerminal(int(os.Stdout.Fd()))

	err = c.WatchStatus(ctx, func(snap status.Snapshot) error {
		if out.jsonMode {
			return out.Print(snap)
		}
		if redraw {
			fmt.Fprint(w, "\033[H\033[2J")
		} else {
			fmt.Fprintf(w, "--- %s ---\n", snap.TakenAt.Local().Format("15:04:05"))
		}
		return writeSnapshot(w, snap)
	})
	if err != nil && ctx.Err() == nil {
		return out.Error("Status stream failed", err)
	}
	return nil
}
