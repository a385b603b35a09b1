// Package router turns agent intents into persisted, classified actions and applies
// the execution signals that follow. Classification and persistence are synchronous;
// owner notification is handed to the dispatcher and never awaited.
package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"routeline/internal/config"
	"routeline/internal/domain"
	"routeline/internal/events"
	"routeline/internal/incident"
	"routeline/internal/metrics"
	"routeline/internal/notify"
	"routeline/internal/repo"
	"routeline/internal/ruleset"
)

// OwnerResolver is the read side of the ownership graph the router needs.
type OwnerResolver interface {
	ResolveOwners(ctx context.Context, service string) (domain.Owners, error)
	BlastRadius(ctx context.Context, services []string, depth int) []string
}

// Notifier accepts notification tasks without blocking.
type Notifier interface {
	Enqueue(t notify.Task)
}

type Router struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Rules     *ruleset.Engine
	Owners    OwnerResolver
	Incidents *incident.Manager
	Notifier  Notifier
	Log       zerolog.Logger
	Now       func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// Submit validates, classifies and persists an intent. The returned action is committed.
func (r *Router) Submit(ctx context.Context, intent domain.ActionIntent) (domain.Action, error) {
	if err := ValidateIntent(&intent); err != nil {
		return domain.Action{}, err
	}
	if intent.AgentName == "" {
		intent.AgentName = intent.AgentID
	}
	now := r.now()
	recent, err := r.Repo.CountRecentActions(ctx, intent.AgentID, intent.Type, now.Add(-r.Config.Routing.FrequencyWindow))
	if err != nil {
		return domain.Action{}, fmt.Errorf("count recent actions: %w", err)
	}
	cls := r.Rules.Classify(ruleset.Input{
		Intent:      intent,
		Now:         now,
		Location:    r.Config.Location(),
		RecentCount: recent,
	})
	metrics.RecordActionRouted(string(cls.Decision))
	if n := len(cls.EvaluationErrors); n > 0 {
		metrics.RecordRuleEvaluationErrors(n)
		for _, evalErr := range cls.EvaluationErrors {
			r.Log.Warn().Err(evalErr).Str("rule_id", evalErr.RuleID).Str("agent_id", intent.AgentID).Msg("Rule condition not evaluable; treated as not matched")
		}
	}

	action := domain.Action{
		ID:               uuid.NewString(),
		AgentID:          intent.AgentID,
		AgentName:        intent.AgentName,
		Type:             intent.Type,
		Description:      intent.Description,
		Target:           intent.Target,
		AffectedServices: dedupe(intent.AffectedServices),
		Metadata:         intent.Metadata,
		Routing:          cls.Decision,
		NotifyOwners:     cls.NotifyOwners,
		Status:           domain.StatusPending,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	if cls.RuleID != "" {
		ruleID := cls.RuleID
		action.RuleID = &ruleID
	}

	var attr domain.Attribution
	notifyOwners := cls.Decision.RequiresAttention() || cls.NotifyOwners
	if notifyOwners {
		attr = r.attribute(ctx, action)
	}
	autoOpen, reason := r.shouldAutoOpen(ctx, action)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	var opened *domain.Incident
	if autoOpen {
		inc, err := r.Incidents.OpenTx(ctx, tx, incident.OpenRequest{
			Title:            incidentTitle(action),
			Severity:         r.severityFor(action.Routing),
			AffectedServices: action.AffectedServices,
			RootCause: &domain.RootCause{
				ActionID:    action.ID,
				AgentID:     action.AgentID,
				AgentName:   action.AgentName,
				Description: action.Description,
			},
			Origin:    incident.OriginAuto,
			Actor:     action.AgentID,
			ActorKind: domain.ActorAgent,
			StartTime: now,
		})
		if err != nil {
			return domain.Action{}, fmt.Errorf("auto-open incident: %w", err)
		}
		opened = &inc
		action.IncidentID = &inc.ID
	}
	if err := r.Repo.InsertAction(ctx, tx, action); err != nil {
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	payload := events.EventPayload{
		"agent_id":        action.AgentID,
		"type":            action.Type,
		"target":          action.Target,
		"routing":         action.Routing,
		"rule_id":         cls.RuleID,
		"ruleset_version": cls.SnapshotVersion,
	}
	if opened != nil {
		payload["incident_id"] = opened.ID
		payload["auto_open_reason"] = reason
	}
	if err := r.Events.Append(ctx, tx, "action.submitted", events.KindAction, action.ID, action.AgentID, payload); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}

	logEvt := r.Log.Info().Str("action_id", action.ID).Str("agent_id", action.AgentID).Str("routing", string(action.Routing))
	if opened != nil {
		metrics.RecordIncidentOpened(string(opened.Severity), incident.OriginAuto)
		logEvt = logEvt.Str("incident_id", opened.ID).Str("auto_open_reason", reason)
	}
	logEvt.Msg("Action routed")

	if notifyOwners && r.notificationsEnabled(action.Routing) && r.Notifier != nil {
		task := notify.Task{Action: action, Attribution: attr, EnqueuedAt: now}
		if opened != nil {
			task.IncidentID = opened.ID
		}
		r.Notifier.Enqueue(task)
	}
	return action, nil
}

// shouldAutoOpen decides whether the action opens an incident. Blocked actions always
// do; gated actions only against a high-risk service or a wide blast radius.
func (r *Router) shouldAutoOpen(ctx context.Context, a domain.Action) (bool, string) {
	switch a.Routing {
	case domain.RouteBlocked:
		return true, "blocked"
	case domain.RouteGated:
	default:
		return false, ""
	}
	for _, svc := range a.AffectedServices {
		for _, pattern := range r.Config.BlastRadius.HighRiskServices {
			if wildcard.Match(pattern, svc) {
				return true, "high_risk_service:" + svc
			}
		}
	}
	if len(a.AffectedServices) == 0 {
		return false, ""
	}
	radius := r.Owners.BlastRadius(ctx, a.AffectedServices, r.Config.BlastRadius.DependentsDepth)
	if len(radius) >= r.Config.BlastRadius.AutoOpenThreshold {
		return true, fmt.Sprintf("blast_radius:%d", len(radius))
	}
	return false, ""
}

func (r *Router) severityFor(d domain.RoutingDecision) domain.Severity {
	if d == domain.RouteBlocked {
		return domain.Severity(r.Config.Incidents.BlockedSeverity)
	}
	return domain.Severity(r.Config.Incidents.GatedSeverity)
}

func (r *Router) notificationsEnabled(d domain.RoutingDecision) bool {
	switch d {
	case domain.RouteGated:
		return r.Config.Notifications.GatedActions
	case domain.RouteBlocked:
		return r.Config.Notifications.BlockedActions
	}
	return true
}

func incidentTitle(a domain.Action) string {
	verb := "Gated"
	if a.Routing == domain.RouteBlocked {
		verb = "Blocked"
	}
	return fmt.Sprintf("%s %s by %s on %s", verb, strings.ReplaceAll(string(a.Type), "_", " "), a.AgentName, a.Target)
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
