package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"routeline/internal/domain"
	"routeline/internal/engine"
)

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage routing rules"}
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleCreateCmd())
	cmd.AddCommand(ruleUpdateCmd())
	cmd.AddCommand(ruleToggleCmd("enable", true))
	cmd.AddCommand(ruleToggleCmd("disable", false))
	cmd.AddCommand(ruleDeleteCmd())
	cmd.AddCommand(ruleTestCmd())
	return cmd
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rules, err := e.ListRules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Priority", "ID", "Name", "Type", "Routing", "Conditions", "Enabled"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.Priority, r.ID, r.Name, r.ActionType, r.Routing, formatConditions(r.Conditions), r.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleCreateCmd() *cobra.Command {
	var file string
	var rule domain.RoutingRule
	var actionType, routing string
	var conditions []string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule from flags or a YAML file",
		Long:  "Conditions are written field:operator:value, e.g. --when target:contains:prod-cluster.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &rule); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			} else {
				rule.ActionType = domain.ActionType(actionType)
				rule.Routing = domain.RoutingDecision(routing)
				rule.Enabled = !disabled
				conds, err := parseConditions(conditions)
				if err != nil {
					return err
				}
				rule.Conditions = conds
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				created, err := e.CreateRule(ctx, rule, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML rule definition")
	cmd.Flags().StringVar(&rule.ID, "id", "", "rule id (generated when empty)")
	cmd.Flags().StringVar(&rule.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&routing, "routing", "", "routing decision")
	cmd.Flags().StringArrayVar(&conditions, "when", nil, "condition field:operator:value (repeatable)")
	cmd.Flags().BoolVar(&rule.NotifyOwners, "notify-owners", false, "notify owners on match")
	cmd.Flags().IntVar(&rule.Priority, "priority", 0, "evaluation priority, lowest first")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the rule disabled")
	return cmd
}

func ruleUpdateCmd() *cobra.Command {
	var name, actionType, routing string
	var conditions []string
	var notify bool
	var priority int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.RulePatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("type") {
				t := domain.ActionType(actionType)
				patch.ActionType = &t
			}
			if cmd.Flags().Changed("routing") {
				d := domain.RoutingDecision(routing)
				patch.Routing = &d
			}
			if cmd.Flags().Changed("when") {
				conds, err := parseConditions(conditions)
				if err != nil {
					return err
				}
				patch.Conditions = &conds
			}
			if cmd.Flags().Changed("notify-owners") {
				patch.NotifyOwners = &notify
			}
			if cmd.Flags().Changed("priority") {
				patch.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				updated, err := e.UpdateRule(ctx, args[0], patch, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&routing, "routing", "", "routing decision")
	cmd.Flags().StringArrayVar(&conditions, "when", nil, "replace conditions with field:operator:value (repeatable)")
	cmd.Flags().BoolVar(&notify, "notify-owners", false, "notify owners on match")
	cmd.Flags().IntVar(&priority, "priority", 0, "evaluation priority")
	return cmd
}

func ruleToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rule, err := e.SetRuleEnabled(ctx, args[0], enabled, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeleteRule(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("Deleted rule %s\n", args[0])
				return nil
			})
		},
	}
}

func ruleTestCmd() *cobra.Command {
	var intent domain.ActionIntent
	var actionType string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Dry-run classification of an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			intent.Type = domain.ActionType(actionType)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.ClassifyDryRun(ctx, intent)
				if err != nil {
					return err
				}
				out := map[string]any{
					"decision":         c.Decision,
					"notify_owners":    c.NotifyOwners,
					"rule_id":          c.RuleID,
					"rule_name":        c.RuleName,
					"snapshot_version": c.SnapshotVersion,
				}
				var evalErrs []string
				for _, ee := range c.EvaluationErrors {
					evalErrs = append(evalErrs, ee.Error())
				}
				if len(evalErrs) > 0 {
					out["evaluation_errors"] = evalErrs
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&intent.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&intent.Target, "target", "", "action target")
	cmd.Flags().StringSliceVar(&intent.AffectedServices, "services", nil, "affected services")
	return cmd
}

func parseConditions(in []string) ([]domain.RuleCondition, error) {
	out := make([]domain.RuleCondition, 0, len(in))
	for _, raw := range in {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid condition %q: want field:operator:value", raw)
		}
		out = append(out, domain.RuleCondition{
			Field:    domain.ConditionField(parts[0]),
			Operator: domain.ConditionOperator(parts[1]),
			Value:    parts[2],
		})
	}
	return out, nil
}

func formatConditions(conds []domain.RuleCondition) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Value))
	}
	return strings.Join(parts, " AND ")
}
