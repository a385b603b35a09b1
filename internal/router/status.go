package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"routeline/internal/domain"
	"routeline/internal/events"
	"routeline/internal/repo"
)

type signal int

const (
	signalRuntime signal = iota
	signalApprove
	signalReject
)

func (s signal) eventType() string {
	switch s {
	case signalApprove:
		return "action.approved"
	case signalReject:
		return "action.rejected"
	}
	return "action.status_changed"
}

// casAttempts bounds retries when a concurrent signal moved the action first.
const casAttempts = 3

// ApplyStatus applies an execution status signal from the agent runtime. A signal for
// the state the action is already in is a no-op.
func (r *Router) ApplyStatus(ctx context.Context, id string, to domain.ActionStatus, durationMs *int64, actor string) (domain.Action, error) {
	if !to.Valid() {
		return domain.Action{}, domain.InvalidTransitionf("unknown action status %q", to)
	}
	if durationMs != nil && *durationMs < 0 {
		return domain.Action{}, domain.InvalidIntentf("duration_ms must not be negative")
	}
	a, changed, err := r.transition(ctx, id, to, durationMs, actor, signalRuntime, nil)
	if err != nil || !changed {
		return a, err
	}
	if a.IncidentID != nil && to.Terminal() {
		r.appendToIncident(ctx, *a.IncidentID, domain.TimelineEvent{
			Type:        domain.EventAction,
			Actor:       a.AgentID,
			ActorKind:   domain.ActorAgent,
			Description: fmt.Sprintf("Action %s %s", a.ID, strings.ReplaceAll(string(to), "_", " ")),
			Metadata:    map[string]any{"action_id": a.ID, "status": string(to)},
		})
	}
	return a, nil
}

// Approve releases a pending gated or blocked action into execution.
func (r *Router) Approve(ctx context.Context, id, actor string) (domain.Action, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return domain.Action{}, domain.InvalidIntentf("approval requires an actor")
	}
	a, changed, err := r.transition(ctx, id, domain.StatusExecuting, nil, actor, signalApprove, nil)
	if err != nil || !changed {
		return a, err
	}
	r.recordIntervention(ctx, a, actor, fmt.Sprintf("%s approved action %s", actor, a.ID), "")
	return a, nil
}

// Reject cancels a pending action; it moves straight to rolled_back.
func (r *Router) Reject(ctx context.Context, id, actor, reason string) (domain.Action, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return domain.Action{}, domain.InvalidIntentf("rejection requires an actor")
	}
	extra := map[string]any{}
	if reason != "" {
		extra["reason"] = reason
	}
	a, changed, err := r.transition(ctx, id, domain.StatusRolledBack, nil, actor, signalReject, extra)
	if err != nil || !changed {
		return a, err
	}
	desc := fmt.Sprintf("%s rejected action %s", actor, a.ID)
	if reason != "" {
		desc += ": " + reason
	}
	r.recordIntervention(ctx, a, actor, desc, reason)
	return a, nil
}

// transition moves an action with a compare-and-set on its stored status. changed is
// false when the action was already in the target state.
func (r *Router) transition(ctx context.Context, id string, to domain.ActionStatus, durationMs *int64, actor string, sig signal, extra events.EventPayload) (domain.Action, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		a, changed, retry, err := r.tryTransition(ctx, id, to, durationMs, actor, sig, extra)
		if err != nil {
			return domain.Action{}, false, err
		}
		if !retry {
			r.flagStale(&a)
			return a, changed, nil
		}
	}
	return domain.Action{}, false, fmt.Errorf("action %s: concurrent status updates, retry", id)
}

func (r *Router) tryTransition(ctx context.Context, id string, to domain.ActionStatus, durationMs *int64, actor string, sig signal, extra events.EventPayload) (domain.Action, bool, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, false, false, err
	}
	defer tx.Rollback()
	a, err := r.Repo.GetActionTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Action{}, false, false, err
		}
		return domain.Action{}, false, false, fmt.Errorf("load action: %w", err)
	}
	if a.Status == to {
		return a, false, false, nil
	}
	if err := ensureActionTransition(a, to, sig); err != nil {
		return domain.Action{}, false, false, err
	}
	now := r.now()
	if to.Terminal() && durationMs == nil && a.Status == domain.StatusExecuting {
		d := now.Sub(a.StartedAt).Milliseconds()
		if d < 0 {
			d = 0
		}
		durationMs = &d
	}
	from := a.Status
	ok, err := r.Repo.CompareAndSetActionStatus(ctx, tx, id, from, to, durationMs, now)
	if err != nil {
		return domain.Action{}, false, false, err
	}
	if !ok {
		return domain.Action{}, false, true, nil
	}
	payload := events.EventPayload{"from": from, "to": to}
	if durationMs != nil {
		payload["duration_ms"] = *durationMs
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := r.Events.Append(ctx, tx, sig.eventType(), events.KindAction, id, actorOr(actor, a.AgentID), payload); err != nil {
		return domain.Action{}, false, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, false, false, err
	}
	a.Status = to
	a.UpdatedAt = now
	if durationMs != nil {
		a.DurationMs = durationMs
	}
	r.Log.Info().Str("action_id", id).Str("from", string(from)).Str("to", string(to)).Str("actor", actor).Msg("Action status changed")
	return a, true, false, nil
}

// ensureActionTransition enforces pending -> executing -> terminal. Blocked actions
// leave pending only through approval or rejection.
func ensureActionTransition(a domain.Action, to domain.ActionStatus, sig signal) error {
	from := a.Status
	if from.Terminal() {
		return domain.InvalidTransitionf("action %s is %s", a.ID, from)
	}
	switch sig {
	case signalApprove:
		if !a.Routing.RequiresAttention() {
			return domain.InvalidTransitionf("action %s is %s and needs no approval", a.ID, a.Routing)
		}
		if from != domain.StatusPending {
			return domain.InvalidTransitionf("action %s is %s, not pending", a.ID, from)
		}
		return nil
	case signalReject:
		if from != domain.StatusPending {
			return domain.InvalidTransitionf("action %s is %s, not pending", a.ID, from)
		}
		return nil
	}
	switch {
	case from == domain.StatusPending && to == domain.StatusExecuting:
		if a.Routing == domain.RouteBlocked {
			return domain.InvalidTransitionf("blocked action %s awaits approval", a.ID)
		}
		return nil
	case from == domain.StatusPending && to.Terminal():
		return domain.InvalidTransitionf("action %s has not started executing", a.ID)
	case from == domain.StatusExecuting && to.Terminal():
		return nil
	default:
		return domain.InvalidTransitionf("action %s cannot move from %s to %s", a.ID, from, to)
	}
}

// recordIntervention puts a human decision on the linked incident's timeline.
func (r *Router) recordIntervention(ctx context.Context, a domain.Action, actor, desc, reason string) {
	if a.IncidentID == nil {
		return
	}
	meta := map[string]any{"action_id": a.ID, "status": string(a.Status)}
	if reason != "" {
		meta["reason"] = reason
	}
	r.appendToIncident(ctx, *a.IncidentID, domain.TimelineEvent{
		Type:        domain.EventIntervention,
		Actor:       actor,
		ActorKind:   domain.ActorHuman,
		Description: desc,
		Metadata:    meta,
	})
}

func (r *Router) appendToIncident(ctx context.Context, incidentID string, ev domain.TimelineEvent) {
	if r.Incidents == nil {
		return
	}
	ev.Timestamp = r.now()
	if _, err := r.Incidents.AppendEvent(ctx, incidentID, ev); err != nil {
		r.Log.Warn().Err(err).Str("incident_id", incidentID).Str("type", string(ev.Type)).Msg("Timeline append skipped")
	}
}

func actorOr(actor, fallback string) string {
	if strings.TrimSpace(actor) == "" {
		return fallback
	}
	return actor
}
