package main

import (
	"context"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"routeline/internal/domain"
	"routeline/internal/engine"
	"routeline/internal/ownership"
)

func ownershipCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ownership", Short: "Manage the service ownership catalog"}
	cmd.AddCommand(ownershipSyncCmd())
	cmd.AddCommand(ownershipApplyCmd())
	cmd.AddCommand(ownershipListCmd())
	cmd.AddCommand(ownershipOwnersCmd())
	cmd.AddCommand(ownershipDependentsCmd())
	return cmd
}

func ownershipSyncCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replace the catalog with the services in a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := ownership.LoadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.SyncOwnership(ctx, services, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "ownership YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ownershipApplyCmd() *cobra.Command {
	var file string
	var deletes []string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Upsert the services in a YAML file and delete others by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			var services []domain.ServiceOwnership
			if file != "" {
				loaded, err := ownership.LoadFile(file)
				if err != nil {
					return err
				}
				services = loaded
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.ApplyOwnership(ctx, services, deletes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "ownership YAML file with services to upsert")
	cmd.Flags().StringSliceVar(&deletes, "delete", nil, "services to remove")
	return cmd
}

func ownershipListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List owned services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				services, err := e.ListOwnership(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(services)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Service", "Team", "Primary", "On-call", "Channel", "Depends on"})
				for _, s := range services {
					tw.AppendRow(table.Row{s.Service, s.Team, s.PrimaryOwner, s.OnCall, s.Channel, strings.Join(s.Dependencies, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ownershipOwnersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owners <service>",
		Short: "Resolve the owners of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				owners, err := e.Owners(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(owners)
			})
		},
	}
}

func ownershipDependentsCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "dependents <service>",
		Short: "List services that transitively depend on a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				deps, err := e.Dependents(ctx, args[0], depth)
				if err != nil {
					return err
				}
				return printJSONOrTable(deps)
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "hops to follow (defaults to blast_radius.dependents_depth)")
	return cmd
}
