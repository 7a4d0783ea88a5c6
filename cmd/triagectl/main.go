// Triagectl is the operator CLI for a running ticketrouter.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/ticketrouter/internal/breaker"
	"github.com/linnemanlabs/ticketrouter/internal/router"
	"github.com/linnemanlabs/ticketrouter/internal/triage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalOpts struct {
	server  string
	token   string
	timeout time.Duration
	json    bool
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	var g globalOpts
	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "Operate a ticketrouter server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("TICKETROUTER_SERVER", "http://localhost:8080"), "ticketrouter base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("TICKETROUTER_API_TOKEN"), "bearer token for agent administration")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "print raw JSON")

	// built lazily so flag values are read after parsing
	cl := func() *client { return newClient(g.server, g.token, &http.Client{Timeout: g.timeout}) }

	root.AddCommand(
		newSubmitCmd(&g, cl),
		newStatusCmd(&g, cl),
		newAgentsCmd(&g, cl),
		newReleaseCmd(&g, cl),
		newBreakerCmd(&g, cl),
		newRoutingCmd(&g, cl),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	bold   = color.New(color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func newSubmitCmd(g *globalOpts, cl func() *client) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "submit <text>...",
		Short: "Submit a ticket for triage",
		Long: `Submit a ticket. The server assigns a ticket ID unless --id is given.

Example:
  $ triagectl submit --id t-42 "Cannot log in since the update"
  ✓ Ticket t-42 accepted`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := cl().submit(cmd.Context(), triage.Ticket{ID: id, Text: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Ticket %s %s\n", green("✓"), bold(resp.TicketID), resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "ticket ID (default: server generated)")
	return cmd
}

func newStatusCmd(g *globalOpts, cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <ticket-id>",
		Short: "Show the triage result for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cl().ticket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func printResult(w io.Writer, r triage.Result) {
	statusColor := green
	switch r.Status {
	case triage.StatusIncident:
		statusColor = red
	case triage.StatusDuplicate:
		statusColor = gray
	}
	fmt.Fprintf(w, "%s %s\n", bold(r.TicketID), statusColor(string(r.Status)))
	if r.Category != "" {
		fmt.Fprintf(w, "  Category:  %s (%s)\n", r.Category, r.ModelUsed)
	}
	if r.UrgencyScore != nil {
		fmt.Fprintf(w, "  Urgency:   %.3f\n", *r.UrgencyScore)
	}
	if r.SimilarCount != nil {
		fmt.Fprintf(w, "  Similar:   %d\n", *r.SimilarCount)
	}
	if r.BreakerState != "" {
		fmt.Fprintf(w, "  Breaker:   %s\n", r.BreakerState)
	}
	if d := r.Decision; d != nil {
		if d.Routed() {
			fmt.Fprintf(w, "  Agent:     %s (%s) score %.4f\n", d.AgentName, d.AgentID, d.Score)
		} else {
			fmt.Fprintf(w, "  Agent:     %s\n", yellow("none"))
		}
		fmt.Fprintf(w, "  Reason:    %s\n", d.Reason)
	}
}

func newAgentsCmd(g *globalOpts, cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents with their load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := cl().agents(cmd.Context())
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), agents)
			}
			printAgents(cmd.OutOrStdout(), agents)
			return nil
		},
	}
}

func printAgents(w io.Writer, agents []router.AgentView) {
	fmt.Fprintf(w, "%s\n", cyan("=== Agents ==="))
	if len(agents) == 0 {
		fmt.Fprintf(w, "  %s\n", gray("No agents registered"))
		return
	}
	for _, a := range agents {
		icon, paint := "●", green
		switch {
		case !a.Active:
			icon, paint = "○", gray
		case a.AvailableSlots == 0:
			icon, paint = "●", red
		case a.LoadRatio >= 0.75:
			icon, paint = "●", yellow
		}
		fmt.Fprintf(w, "  %s %-12s %-8s load %d/%d  handled %d\n",
			paint(icon), a.ID, a.Name, a.CurrentLoad, a.MaxCapacity, a.TotalHandled)
	}
}

func newReleaseCmd(g *globalOpts, cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "release <agent-id>",
		Short: "Free one slot on an agent after a ticket is resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := cl().release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if !resp.Released {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Agent %s already idle\n", yellow("ℹ"), resp.AgentID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Agent %s released (load %d)\n", green("✓"), resp.AgentID, resp.CurrentLoad)
			return nil
		},
	}
}

func newBreakerCmd(g *globalOpts, cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "breaker",
		Short: "Show classifier breaker health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := cl().breakerStats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return printJSON(w, st)
			}
			paint := green
			if st.State != breaker.Closed {
				paint = red
			}
			fmt.Fprintf(w, "%s\n", cyan("=== Classification Breaker ==="))
			fmt.Fprintf(w, "  State:     %s\n", paint(string(st.State)))
			fmt.Fprintf(w, "  Failures:  %d\n", st.FailureCount)
			fmt.Fprintf(w, "  Calls:     %d (primary %d, fallback %d)\n", st.CallsTotal, st.CallsPrimary, st.CallsFallback)
			fmt.Fprintf(w, "  Latency:   avg %.1fms p95 %.1fms\n", st.AvgLatencyMs, st.P95LatencyMs)
			return nil
		},
	}
}

func newRoutingCmd(g *globalOpts, cl func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Routing analytics",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show cumulative routing counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := cl().routingStats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return printJSON(w, st)
			}
			fmt.Fprintf(w, "%s\n", cyan("=== Routing ==="))
			fmt.Fprintf(w, "  Decisions: %d (unrouted %d)\n", st.TotalRouted, st.Unrouted)
			fmt.Fprintf(w, "  Avg score: %.4f\n", st.AvgScore)
			for _, k := range sortedKeys(st.ByCategory) {
				fmt.Fprintf(w, "  %-10s %d\n", k, st.ByCategory[k])
			}
			for _, k := range sortedKeys(st.ByAgent) {
				fmt.Fprintf(w, "  %-10s %d\n", k, st.ByAgent[k])
			}
			return nil
		},
	}

	var n int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the latest routing decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := cl().routingRecent(cmd.Context(), n)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return printJSON(w, ds)
			}
			if len(ds) == 0 {
				fmt.Fprintf(w, "%s\n", gray("No routing decisions yet"))
				return nil
			}
			for _, d := range ds {
				agent := yellow("unrouted")
				if d.Routed() {
					agent = d.AgentID
				}
				fmt.Fprintf(w, "%s  %-12s %-10s %-12s %s\n",
					gray(d.RoutedAt.Format("15:04:05")), d.TicketID, d.Category, agent, d.Reason)
			}
			return nil
		},
	}
	recent.Flags().IntVarP(&n, "limit", "n", 20, "number of decisions")

	cmd.AddCommand(stats, recent)
	return cmd
}

func sortedKeys(m map[string]int64) []string {
	return slices.Sorted(maps.Keys(m))
}
