package server

import (
	"encoding/json"

	"routeline/internal/domain"
	"routeline/internal/engine"
	"routeline/internal/ruleset"
)

// Request payloads

// SubmitActionRequest leaves shape checks to the router so callers get invalid_intent.
type SubmitActionRequest struct {
	AgentID          string         `json:"agent_id" required:"false"`
	AgentName        string         `json:"agent_name,omitempty"`
	Type             string         `json:"type" required:"false"`
	Description      string         `json:"description,omitempty"`
	Target           string         `json:"target" required:"false"`
	AffectedServices []string       `json:"affected_services,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (r SubmitActionRequest) intent() domain.ActionIntent {
	return domain.ActionIntent{
		AgentID:          r.AgentID,
		AgentName:        r.AgentName,
		Type:             domain.ActionType(r.Type),
		Description:      r.Description,
		Target:           r.Target,
		AffectedServices: r.AffectedServices,
		Metadata:         r.Metadata,
	}
}

type ActionStatusRequest struct {
	Status     string `json:"status" required:"false"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

type RejectActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RuleRequest struct {
	ID           string                 `json:"id,omitempty"`
	Name         string                 `json:"name" required:"false"`
	ActionType   string                 `json:"action_type" required:"false"`
	Conditions   []domain.RuleCondition `json:"conditions,omitempty"`
	Routing      string                 `json:"routing" required:"false"`
	NotifyOwners bool                   `json:"notify_owners,omitempty"`
	Enabled      *bool                  `json:"enabled,omitempty"`
	Priority     int                    `json:"priority,omitempty"`
}

func (r RuleRequest) rule() domain.RoutingRule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return domain.RoutingRule{
		ID:           r.ID,
		Name:         r.Name,
		ActionType:   domain.ActionType(r.ActionType),
		Conditions:   r.Conditions,
		Routing:      domain.RoutingDecision(r.Routing),
		NotifyOwners: r.NotifyOwners,
		Enabled:      enabled,
		Priority:     r.Priority,
	}
}

type UpdateRuleRequest struct {
	Name         *string                 `json:"name,omitempty"`
	ActionType   *string                 `json:"action_type,omitempty"`
	Conditions   *[]domain.RuleCondition `json:"conditions,omitempty"`
	Routing      *string                 `json:"routing,omitempty"`
	NotifyOwners *bool                   `json:"notify_owners,omitempty"`
	Enabled      *bool                   `json:"enabled,omitempty"`
	Priority     *int                    `json:"priority,omitempty"`
}

func (r UpdateRuleRequest) patch() engine.RulePatch {
	p := engine.RulePatch{
		Name:         r.Name,
		Conditions:   r.Conditions,
		NotifyOwners: r.NotifyOwners,
		Enabled:      r.Enabled,
		Priority:     r.Priority,
	}
	if r.ActionType != nil {
		t := domain.ActionType(*r.ActionType)
		p.ActionType = &t
	}
	if r.Routing != nil {
		d := domain.RoutingDecision(*r.Routing)
		p.Routing = &d
	}
	return p
}

type ToggleRuleRequest struct {
	Enabled bool `json:"enabled"`
}

type OwnershipSyncRequest struct {
	Services []domain.ServiceOwnership `json:"services"`
}

type OwnershipPatchRequest struct {
	Upserts []domain.ServiceOwnership `json:"upserts,omitempty"`
	Deletes []string                  `json:"deletes,omitempty"`
}

type OpenIncidentRequest struct {
	Title            string   `json:"title" required:"false"`
	Severity         string   `json:"severity,omitempty" enum:"low,medium,high,critical"`
	AffectedServices []string `json:"affected_services,omitempty"`
	RootCauseAction  string   `json:"root_cause_action_id,omitempty"`
	Description      string   `json:"description,omitempty"`
}

type IncidentTransitionRequest struct {
	Status string `json:"status" required:"false"`
}

type TimelineEventRequest struct {
	Type        string         `json:"type" required:"false"`
	Timestamp   *string        `json:"timestamp,omitempty" format:"date-time"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type AddResponderRequest struct {
	Responder string `json:"responder" required:"false"`
}

type DevLoginRequest struct {
	ActorID   string `json:"actor_id"`
	ActorKind string `json:"actor_kind,omitempty" enum:"agent,human,system"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID   string           `json:"actor_id"`
	ActorKind domain.ActorKind `json:"actor_kind"`
	Source    string           `json:"source"`
}

type ClassificationResponse struct {
	Decision         domain.RoutingDecision `json:"decision"`
	NotifyOwners     bool                   `json:"notify_owners"`
	RuleID           string                 `json:"rule_id,omitempty"`
	RuleName         string                 `json:"rule_name,omitempty"`
	SnapshotVersion  uint64                 `json:"snapshot_version"`
	EvaluationErrors []string               `json:"evaluation_errors,omitempty"`
}

func classificationResponse(c ruleset.Classification) ClassificationResponse {
	resp := ClassificationResponse{
		Decision:        c.Decision,
		NotifyOwners:    c.NotifyOwners,
		RuleID:          c.RuleID,
		RuleName:        c.RuleName,
		SnapshotVersion: c.SnapshotVersion,
	}
	for _, e := range c.EvaluationErrors {
		resp.EvaluationErrors = append(resp.EvaluationErrors, e.Error())
	}
	return resp
}

type DependentsResponse struct {
	Service    string   `json:"service"`
	Depth      int      `json:"depth"`
	Dependents []string `json:"dependents"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

type paginatedActions struct {
	Items      []domain.Action `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedIncidents struct {
	Items      []domain.Incident `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type listRules struct {
	Items []domain.RoutingRule `json:"items"`
}

type listOwnership struct {
	Generation uint64                    `json:"generation"`
	Items      []domain.ServiceOwnership `json:"items"`
}
