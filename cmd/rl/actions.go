package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"routeline/internal/domain"
	"routeline/internal/engine"
	"routeline/internal/repo"
)

func actionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Submit and inspect agent actions",
		Long:  "Actions are agent intents after routing. Gated and blocked actions wait for 'rl action approve'; agents report execution with 'rl action status'.",
	}
	cmd.AddCommand(actionSubmitCmd())
	cmd.AddCommand(actionListCmd())
	cmd.AddCommand(actionStaleCmd())
	cmd.AddCommand(actionGetCmd())
	cmd.AddCommand(actionStatusCmd())
	cmd.AddCommand(actionApproveCmd())
	cmd.AddCommand(actionRejectCmd())
	return cmd
}

func actionSubmitCmd() *cobra.Command {
	var intent domain.ActionIntent
	var actionType string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an intent and print the routing outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			intent.Type = domain.ActionType(actionType)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Submit(ctx, intent)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&intent.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&intent.AgentName, "name", "", "agent display name")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&intent.Target, "target", "", "action target")
	cmd.Flags().StringVar(&intent.Description, "description", "", "what the agent intends to do")
	cmd.Flags().StringSliceVar(&intent.AffectedServices, "services", nil, "affected services")
	return cmd
}

func actionListCmd() *cobra.Command {
	var f repo.ActionFilters
	var routing, status, actionType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Routing = domain.RoutingDecision(routing)
			f.Status = domain.ActionStatus(status)
			f.Type = domain.ActionType(actionType)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actions, err := e.Router.List(ctx, f)
				if err != nil {
					return err
				}
				return printActions(actions)
			})
		},
	}
	cmd.Flags().StringVar(&routing, "routing", "", "routing filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().StringVar(&actionType, "type", "", "action type filter")
	cmd.Flags().StringVar(&f.Search, "q", "", "search target, description and agent")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func actionStaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stale",
		Short: "List blocked actions waiting past the stale threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actions, err := e.Router.ListStale(ctx, 0)
				if err != nil {
					return err
				}
				return printActions(actions)
			})
		},
	}
}

func actionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Router.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func actionStatusCmd() *cobra.Command {
	var status string
	var durationMs int64
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Report an execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var duration *int64
			if cmd.Flags().Changed("duration-ms") {
				duration = &durationMs
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Router.ApplyStatus(ctx, args[0], domain.ActionStatus(status), duration, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "executing, completed, failed or rolled_back")
	cmd.Flags().Int64Var(&durationMs, "duration-ms", 0, "execution time reported by the agent")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func actionApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending gated or blocked action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Router.Approve(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func actionRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Router.Reject(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the action")
	return cmd
}

func printActions(actions []domain.Action) error {
	if viper.GetBool("json") {
		return printJSON(actions)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Agent", "Type", "Target", "Routing", "Status", "Started", "Incident"})
	for _, a := range actions {
		status := string(a.Status)
		if a.Stale {
			status += " (stale)"
		}
		tw.AppendRow(table.Row{a.ID, a.AgentID, a.Type, a.Target, a.Routing, status, domain.FormatTime(a.StartedAt), deref(a.IncidentID)})
	}
	tw.Render()
	fmt.Printf("%d action(s)\n", len(actions))
	return nil
}
