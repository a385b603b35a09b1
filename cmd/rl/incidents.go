package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"routeline/internal/domain"
	"routeline/internal/engine"
	"routeline/internal/repo"
)

func incidentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Manage incidents",
		Long:  "Incidents move investigating -> identified -> monitoring -> resolved. TTI freezes on the first intervention and MTTR on resolution.",
	}
	cmd.AddCommand(incidentOpenCmd())
	cmd.AddCommand(incidentListCmd())
	cmd.AddCommand(incidentGetCmd())
	cmd.AddCommand(incidentTransitionCmd())
	cmd.AddCommand(incidentEventCmd())
	cmd.AddCommand(incidentResponderCmd())
	return cmd
}

func incidentOpenCmd() *cobra.Command {
	var req engine.OpenIncidentRequest
	var severity string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open an incident by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Severity = domain.Severity(severity)
			req.Actor = actorID()
			req.ActorKind = domain.ActorHuman
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				inc, err := e.OpenIncident(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "incident title")
	cmd.Flags().StringVar(&severity, "severity", string(domain.SeverityMedium), "low, medium, high or critical")
	cmd.Flags().StringSliceVar(&req.AffectedServices, "services", nil, "affected services")
	cmd.Flags().StringVar(&req.RootCauseAction, "root-cause", "", "id of the action that caused the incident")
	cmd.Flags().StringVar(&req.Description, "description", "", "opening note")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func incidentListCmd() *cobra.Command {
	var f repo.IncidentFilters
	var status, severity string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.IncidentStatus(status)
			f.Severity = domain.Severity(severity)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				incs, err := e.Incidents.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(incs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Severity", "Status", "Started", "Services", "TTI", "MTTR"})
				for _, inc := range incs {
					tw.AppendRow(table.Row{inc.ID, inc.Title, inc.Severity, inc.Status, domain.FormatTime(inc.StartTime),
						strings.Join(inc.AffectedServices, ", "), formatSeconds(inc.TTI), formatSeconds(inc.MTTR)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.Search, "q", "", "search title")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func incidentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an incident with its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				inc, err := e.Incidents.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
}

func incidentTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move an incident to its next status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				inc, err := e.Incidents.Transition(ctx, args[0], domain.IncidentStatus(args[1]), actorID(), domain.ActorHuman)
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
}

func incidentEventCmd() *cobra.Command {
	var evtType, description string
	cmd := &cobra.Command{
		Use:   "event <id>",
		Short: "Append a timeline event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := domain.TimelineEvent{
				Type:        domain.TimelineEventType(evtType),
				Actor:       actorID(),
				ActorKind:   domain.ActorHuman,
				Description: description,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				inc, err := e.Incidents.AppendEvent(ctx, args[0], ev)
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", string(domain.EventNote), "action, alert, notification, intervention, recovery or note")
	cmd.Flags().StringVar(&description, "description", "", "event text")
	return cmd
}

func incidentResponderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "responder <id> <responder>",
		Short: "Add a responder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				inc, err := e.Incidents.AddResponder(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
}

func formatSeconds(s *int64) string {
	if s == nil {
		return "-"
	}
	return (time.Duration(*s) * time.Second).String()
}
