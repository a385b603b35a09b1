package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"routeline/internal/domain"
	"routeline/internal/events"
	"routeline/internal/repo"
	"routeline/internal/router"
	"routeline/internal/ruleset"
)

// RulePatch carries the fields of a rule update; nil fields are left unchanged.
type RulePatch struct {
	Name         *string
	ActionType   *domain.ActionType
	Conditions   *[]domain.RuleCondition
	Routing      *domain.RoutingDecision
	NotifyOwners *bool
	Enabled      *bool
	Priority     *int
}

// loadRules publishes the committed rule set. Callers hold ruleMu once the engine is
// shared.
func (e *Engine) loadRules(ctx context.Context) error {
	v, err := e.Repo.GetCatalogVersions(ctx)
	if err != nil {
		return err
	}
	rules, err := e.Repo.ListRules(ctx)
	if err != nil {
		return err
	}
	snap := e.Rules.Publish(rules)
	e.rulesSeen.Store(v.Rules)
	e.Log.Debug().Uint64("version", snap.Version).Int64("catalog_version", v.Rules).Int("rules", len(rules)).Msg("Rule set loaded")
	return nil
}

func (e *Engine) CreateRule(ctx context.Context, rule domain.RoutingRule, actorID string) (domain.RoutingRule, error) {
	rule.ID = strings.TrimSpace(rule.ID)
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Conditions == nil {
		rule.Conditions = []domain.RuleCondition{}
	}
	if err := ruleset.Validate(rule); err != nil {
		return domain.RoutingRule{}, err
	}
	now := e.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	err := e.mutateRules(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetRuleTx(ctx, tx, rule.ID); err == nil {
			return fmt.Errorf("%w: rule %s already exists", domain.ErrInvalidRule, rule.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		return e.Events.Append(ctx, tx, "rule.created", events.KindRule, rule.ID, actorID, rulePayload(rule))
	})
	if err != nil {
		return domain.RoutingRule{}, err
	}
	return rule, nil
}

func (e *Engine) UpdateRule(ctx context.Context, id string, patch RulePatch, actorID string) (domain.RoutingRule, error) {
	var updated domain.RoutingRule
	err := e.mutateRules(ctx, func(tx *sql.Tx) error {
		rule, err := e.Repo.GetRuleTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			rule.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.ActionType != nil {
			rule.ActionType = *patch.ActionType
		}
		if patch.Conditions != nil {
			rule.Conditions = append([]domain.RuleCondition{}, (*patch.Conditions)...)
		}
		if patch.Routing != nil {
			rule.Routing = *patch.Routing
		}
		if patch.NotifyOwners != nil {
			rule.NotifyOwners = *patch.NotifyOwners
		}
		if patch.Enabled != nil {
			rule.Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			rule.Priority = *patch.Priority
		}
		if err := ruleset.Validate(rule); err != nil {
			return err
		}
		rule.UpdatedAt = e.now()
		if err := e.Repo.UpdateRule(ctx, tx, rule); err != nil {
			return err
		}
		updated = rule
		return e.Events.Append(ctx, tx, "rule.updated", events.KindRule, rule.ID, actorID, rulePayload(rule))
	})
	return updated, err
}

// SetRuleEnabled toggles a rule. Decisions already returned are unaffected.
func (e *Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool, actorID string) (domain.RoutingRule, error) {
	var updated domain.RoutingRule
	err := e.mutateRules(ctx, func(tx *sql.Tx) error {
		rule, err := e.Repo.GetRuleTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if rule.Enabled == enabled {
			updated = rule
			return nil
		}
		rule.Enabled = enabled
		rule.UpdatedAt = e.now()
		if err := e.Repo.UpdateRule(ctx, tx, rule); err != nil {
			return err
		}
		updated = rule
		return e.Events.Append(ctx, tx, "rule.toggled", events.KindRule, rule.ID, actorID, events.EventPayload{"enabled": enabled})
	})
	return updated, err
}

func (e *Engine) DeleteRule(ctx context.Context, id, actorID string) error {
	return e.mutateRules(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteRule(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "rule.deleted", events.KindRule, id, actorID, nil)
	})
}

func (e *Engine) ListRules(ctx context.Context) ([]domain.RoutingRule, error) {
	rules, err := e.Repo.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []domain.RoutingRule{}
	}
	return rules, nil
}

// ClassifyDryRun classifies an intent against the live rule set without persisting it.
func (e *Engine) ClassifyDryRun(ctx context.Context, intent domain.ActionIntent) (ruleset.Classification, error) {
	if err := router.ValidateIntent(&intent); err != nil {
		return ruleset.Classification{}, err
	}
	if err := e.refreshCatalogs(ctx); err != nil {
		return ruleset.Classification{}, err
	}
	now := e.now()
	recent, err := e.Repo.CountRecentActions(ctx, intent.AgentID, intent.Type, now.Add(-e.Config.Routing.FrequencyWindow))
	if err != nil {
		return ruleset.Classification{}, err
	}
	return e.Rules.Classify(ruleset.Input{
		Intent:      intent,
		Now:         now,
		Location:    e.Config.Location(),
		RecentCount: recent,
	}), nil
}

// mutateRules runs fn in a transaction and publishes the committed rule set. Edits are
// serialised so snapshots are published in commit order; the catalog version bump tells
// engines in other processes to reload.
func (e *Engine) mutateRules(ctx context.Context, fn func(tx *sql.Tx) error) error {
	e.ruleMu.Lock()
	defer e.ruleMu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	version, err := e.Repo.BumpCatalogVersion(ctx, tx, repo.CatalogRules, e.now())
	if err != nil {
		return fmt.Errorf("bump rules version: %w", err)
	}
	rules, err := e.Repo.ListRulesTx(ctx, tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	snap := e.Rules.Publish(rules)
	e.rulesSeen.Store(version)
	e.Log.Info().Uint64("version", snap.Version).Int64("catalog_version", version).Int("rules", len(rules)).Msg("Rule set published")
	return nil
}

func rulePayload(r domain.RoutingRule) events.EventPayload {
	return events.EventPayload{
		"name":          r.Name,
		"action_type":   r.ActionType,
		"conditions":    r.Conditions,
		"routing":       r.Routing,
		"notify_owners": r.NotifyOwners,
		"enabled":       r.Enabled,
		"priority":      r.Priority,
	}
}
