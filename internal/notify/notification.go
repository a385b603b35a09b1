package notify

import (
	"time"

	"github.com/google/uuid"

	"routeline/internal/domain"
)

// Notification is the enriched alert delivered to humans.
type Notification struct {
	RequestID       string                 `json:"request_id"`
	ActionID        string                 `json:"action_id"`
	IncidentID      string                 `json:"incident_id,omitempty"`
	AgentID         string                 `json:"agent_id"`
	AgentName       string                 `json:"agent_name"`
	ActionType      domain.ActionType      `json:"action_type"`
	Description     string                 `json:"description"`
	Target          string                 `json:"target"`
	Routing         domain.RoutingDecision `json:"routing"`
	Owners          []domain.Owners        `json:"owners"`
	Recipients      []string               `json:"recipients"`
	Channels        []string               `json:"channels"`
	Confidence      int                    `json:"confidence"`
	ConfidenceLabel string                 `json:"confidence_label"`
	Basis           string                 `json:"basis"`
	Timestamp       time.Time              `json:"timestamp"`
	Attempt         int                    `json:"attempt"`
}

// RequestID is stable for an action/incident pair so receivers can drop duplicates.
func RequestID(actionID, incidentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(actionID+"|"+incidentID)).String()
}

// Build assembles the notification payload for an action.
func Build(action domain.Action, attr domain.Attribution, incidentID string, ts time.Time) Notification {
	owners := attr.Owners
	if owners == nil {
		owners = []domain.Owners{}
	}
	recipients := attr.Humans
	if recipients == nil {
		recipients = []string{}
	}
	channels := attr.Channels
	if channels == nil {
		channels = []string{}
	}
	name := action.AgentName
	if name == "" {
		name = action.AgentID
	}
	return Notification{
		RequestID:       RequestID(action.ID, incidentID),
		ActionID:        action.ID,
		IncidentID:      incidentID,
		AgentID:         action.AgentID,
		AgentName:       name,
		ActionType:      action.Type,
		Description:     action.Description,
		Target:          action.Target,
		Routing:         action.Routing,
		Owners:          owners,
		Recipients:      recipients,
		Channels:        channels,
		Confidence:      attr.Confidence,
		ConfidenceLabel: domain.ConfidenceLabel(attr.Confidence),
		Basis:           attr.Basis,
		Timestamp:       ts.UTC(),
	}
}
