package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vetfleet/internal/app"
	"vetfleet/internal/domain"
	"vetfleet/internal/events"
	"vetfleet/internal/proposals"
	"vetfleet/internal/registry"
)

func agentsCmd() *cobra.Command {
	agents := &cobra.Command{Use: "agents", Short: "Inspect and control the agent registry"}
	agents.AddCommand(agentsListCmd())
	agents.AddCommand(agentsStatusCmd())
	agents.AddCommand(agentsSeedCmd())
	return agents
}

func agentsListCmd() *cobra.Command {
	var status, cluster string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Registry.List(ctx, status, cluster)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Agent", "Cluster", "Status", "Schedule", "Errors", "Last Run", "Tokens Today"})
				for _, ag := range items {
					tokens := fmt.Sprintf("%d", ag.DailyTokensUsed)
					if ag.DailyTokenBudget != nil {
						tokens = fmt.Sprintf("%d/%d", ag.DailyTokensUsed, *ag.DailyTokenBudget)
					}
					last := deref(ag.LastRunStatus)
					if ag.LastRunAt != nil {
						last = fmt.Sprintf("%s (%s)", last, *ag.LastRunAt)
					}
					tw.AppendRow(table.Row{ag.AgentID, ag.Cluster, ag.Status, ag.ScheduleCron, ag.ConsecutiveErrors, last, tokens})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&cluster, "cluster", "", "cluster filter")
	return cmd
}

func agentsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <agent-id> <active|paused|disabled>",
		Short: "Change an agent's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, status := args[0], args[1]
			if !registry.ValidStatus(status) {
				return fmt.Errorf("invalid status %q: must be active, paused or disabled", status)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ok, err := a.Registry.SetStatus(ctx, agentID, status)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("agent %s not found", agentID)
				}
				record(ctx, a, events.AgentStatusChange, "agent", agentID, events.EventPayload{"new_status": status})
				fmt.Printf("%s is now %s\n", agentID, status)
				return nil
			})
		},
	}
}

func agentsSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Register the agents listed in the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Registry.Seed(ctx, a.Config.Agents)
				if err != nil {
					return err
				}
				fmt.Printf("Seeded %d agent(s)\n", n)
				return nil
			})
		},
	}
}

func proposalsCmd() *cobra.Command {
	prop := &cobra.Command{Use: "proposals", Short: "Review agent proposals"}
	prop.AddCommand(proposalsListCmd())
	prop.AddCommand(proposalsShowCmd())
	prop.AddCommand(proposalsReviewCmd("approve", "Approve a pending proposal and apply it"))
	prop.AddCommand(proposalsReviewCmd("reject", "Reject a pending proposal"))
	prop.AddCommand(proposalsResolveCmd())
	prop.AddCommand(proposalsStatsCmd())
	return prop
}

func proposalsListCmd() *cobra.Command {
	var f proposals.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Store.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Agent", "Type", "Risk", "Status", "Title", "Created"})
				for _, p := range res.Proposals {
					tw.AppendRow(table.Row{p.ID, p.AgentID, p.ProposalType, p.RiskLevel, p.Status, p.Title, p.CreatedAt})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "Total", res.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AgentID, "agent-id", "", "agent filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ProposalType, "type", "", "proposal type filter")
	cmd.Flags().StringVar(&f.TargetEmployeeID, "employee-id", "", "target employee filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active-only", false, "hide expired proposals")
	cmd.Flags().IntVar(&f.Limit, "limit", proposals.DefaultListLimit, "page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	return cmd
}

func proposalsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if p == nil {
					return fmt.Errorf("proposal %s not found", args[0])
				}
				return printJSON(p)
			})
		},
	}
}

func proposalsReviewCmd(action, short string) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   action + " <proposal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Store.Get(ctx, id)
				if err != nil {
					return err
				}
				if p == nil {
					return fmt.Errorf("proposal %s not found", id)
				}
				if p.Status != domain.StatusPending {
					return fmt.Errorf("proposal %s is %s, not pending", id, p.Status)
				}
				var ok bool
				var evt string
				if action == "approve" {
					ok, evt = a.Store.Approve(ctx, id, actorID(), notes), events.ProposalApprove
				} else {
					ok, evt = a.Store.Reject(ctx, id, actorID(), notes), events.ProposalReject
				}
				if !ok {
					return fmt.Errorf("proposal %s was reviewed concurrently", id)
				}
				record(ctx, a, evt, "agent_proposal", id, events.EventPayload{
					"agent_id":      p.AgentID,
					"proposal_type": p.ProposalType,
					"notes":         notes,
				})
				if action != "approve" {
					fmt.Printf("Rejected %s\n", id)
					return nil
				}
				if a.Appliers.Apply(ctx, id) {
					fmt.Printf("Approved and applied %s\n", id)
				} else {
					fmt.Printf("Approved %s; apply failed, the next apply-sweep will retry\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func proposalsResolveCmd() *cobra.Command {
	var notes, agentID, status string
	var all bool
	cmd := &cobra.Command{
		Use:   "resolve [proposal-id]",
		Short: "Close proposals as applied without running their side effect",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a proposal id or --all")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if all {
					n := a.Store.BulkResolve(ctx, actorID(), proposals.BulkFilter{AgentID: agentID, Status: status})
					record(ctx, a, events.ProposalBulk, "agent_proposal", "", events.EventPayload{
						"agent_id": agentID,
						"status":   status,
						"resolved": n,
					})
					fmt.Printf("Resolved %d proposal(s)\n", n)
					return nil
				}
				id := args[0]
				if !a.Store.Resolve(ctx, id, actorID(), notes) {
					return fmt.Errorf("proposal %s not found or already closed", id)
				}
				record(ctx, a, events.ProposalResolve, "agent_proposal", id, events.EventPayload{"notes": notes})
				fmt.Printf("Resolved %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	cmd.Flags().BoolVar(&all, "all", false, "resolve every matching proposal")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "with --all, only this agent")
	cmd.Flags().StringVar(&status, "status", "", "with --all, only this status (default pending and auto_approved)")
	return cmd
}

func proposalsStatsCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count proposals by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Store.Stats(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range domain.ProposalStatuses {
					tw.AppendRow(table.Row{st, counts[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent filter")
	return cmd
}

func runsCmd() *cobra.Command {
	r := &cobra.Command{Use: "runs", Short: "Inspect agent runs"}
	r.AddCommand(runsListCmd())
	r.AddCommand(runsStatsCmd())
	return r
}

func runsListCmd() *cobra.Command {
	var agentID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Harness.List(ctx, agentID, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Agent", "Trigger", "Status", "Started", "Proposals", "Tokens", "Cost", "Error"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, run.AgentID, run.TriggerType, run.Status, run.StartedAt,
						run.ProposalsCreated, run.TokensUsed, fmt.Sprintf("$%.4f", run.CostUSD), deref(run.ErrorMessage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func runsStatsCmd() *cobra.Command {
	var agentID string
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate run outcomes, tokens and cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Harness.Stats(ctx, agentID, days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				rows := map[string]any{
					"total_runs":      st.TotalRuns,
					"success_runs":    st.SuccessRuns,
					"error_runs":      st.ErrorRuns,
					"total_tokens":    st.TotalTokens,
					"total_cost":      fmt.Sprintf("$%.4f", st.TotalCost),
					"avg_duration_ms": st.AvgDurationMs,
				}
				keys := make([]string, 0, len(rows))
				for k := range rows {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				tw := newTable()
				tw.AppendHeader(table.Row{"Metric", "Value"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k, rows[k]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent filter")
	cmd.Flags().IntVar(&days, "days", 7, "look-back window in days")
	return cmd
}

func record(ctx context.Context, a *app.App, action, entityType, entityID string, payload events.EventPayload) {
	if err := a.Events.Append(ctx, a.Repo, action, entityType, entityID, actorID(), payload); err != nil {
		slog.Default().WarnContext(ctx, "audit event not recorded", "component", "cli", "action", action, "error", err)
	}
}
