package domain

import "time"

type ActionType string

const (
	ActionDatabaseWrite    ActionType = "database_write"
	ActionDatabaseRead     ActionType = "database_read"
	ActionAPICall          ActionType = "api_call"
	ActionFileCreate       ActionType = "file_create"
	ActionFileModify       ActionType = "file_modify"
	ActionFileDelete       ActionType = "file_delete"
	ActionConfigChange     ActionType = "config_change"
	ActionDeployment       ActionType = "deployment"
	ActionPermissionChange ActionType = "permission_change"
	ActionResourceCreate   ActionType = "resource_create"
	ActionResourceDelete   ActionType = "resource_delete"
	ActionCodeCommit       ActionType = "code_commit"
	ActionCodePush         ActionType = "code_push"
)

var ActionTypes = []ActionType{
	ActionDatabaseWrite, ActionDatabaseRead, ActionAPICall, ActionFileCreate, ActionFileModify,
	ActionFileDelete, ActionConfigChange, ActionDeployment, ActionPermissionChange,
	ActionResourceCreate, ActionResourceDelete, ActionCodeCommit, ActionCodePush,
}

func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RoutingDecision is the execution mode assigned to an action.
type RoutingDecision string

const (
	RouteAutoExecute      RoutingDecision = "auto_execute"
	RouteMonitoredExecute RoutingDecision = "monitored_execute"
	RouteGated            RoutingDecision = "gated"
	RouteBlocked          RoutingDecision = "blocked"
)

// RoutingDecisions lists decisions in ascending severity.
var RoutingDecisions = []RoutingDecision{RouteAutoExecute, RouteMonitoredExecute, RouteGated, RouteBlocked}

// Severity returns the position of d in the total order
// auto_execute < monitored_execute < gated < blocked, or -1 if unknown.
func (d RoutingDecision) Severity() int {
	for i, known := range RoutingDecisions {
		if d == known {
			return i
		}
	}
	return -1
}

func (d RoutingDecision) Valid() bool { return d.Severity() >= 0 }

// RequiresAttention reports whether owners must be resolved and notified.
func (d RoutingDecision) RequiresAttention() bool {
	return d == RouteGated || d == RouteBlocked
}

// MaxDecision returns the more severe of a and b.
func MaxDecision(a, b RoutingDecision) RoutingDecision {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusExecuting  ActionStatus = "executing"
	StatusCompleted  ActionStatus = "completed"
	StatusFailed     ActionStatus = "failed"
	StatusRolledBack ActionStatus = "rolled_back"
)

func (s ActionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

func (s ActionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// ActionIntent is what an agent declares before acting. It is consumed once by the router.
type ActionIntent struct {
	AgentID          string         `json:"agent_id" validate:"required"`
	AgentName        string         `json:"agent_name,omitempty"`
	Type             ActionType     `json:"type" validate:"required,action_type"`
	Description      string         `json:"description,omitempty"`
	Target           string         `json:"target" validate:"required"`
	AffectedServices []string       `json:"affected_services,omitempty" validate:"dive,required"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type Action struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agent_id"`
	AgentName        string          `json:"agent_name"`
	Type             ActionType      `json:"type"`
	Description      string          `json:"description,omitempty"`
	Target           string          `json:"target"`
	AffectedServices []string        `json:"affected_services"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Routing          RoutingDecision `json:"routing" enum:"auto_execute,monitored_execute,gated,blocked"`
	RuleID           *string         `json:"rule_id,omitempty"`
	NotifyOwners     bool            `json:"notify_owners"`
	Status           ActionStatus    `json:"status" enum:"pending,executing,completed,failed,rolled_back"`
	StartedAt        time.Time       `json:"started_at" format:"date-time"`
	DurationMs       *int64          `json:"duration_ms,omitempty"`
	IncidentID       *string         `json:"incident_id,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at" format:"date-time"`
	Stale            bool            `json:"stale"`
}

type ConditionField string

const (
	FieldTarget    ConditionField = "target"
	FieldAgent     ConditionField = "agent"
	FieldTime      ConditionField = "time"
	FieldFrequency ConditionField = "frequency"
)

func (f ConditionField) Valid() bool {
	switch f {
	case FieldTarget, FieldAgent, FieldTime, FieldFrequency:
		return true
	}
	return false
}

type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpContains    ConditionOperator = "contains"
	OpMatches     ConditionOperator = "matches"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
)

func (o ConditionOperator) Valid() bool {
	switch o {
	case OpEquals, OpContains, OpMatches, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

type RuleCondition struct {
	Field    ConditionField    `json:"field" yaml:"field" enum:"target,agent,time,frequency"`
	Operator ConditionOperator `json:"operator" yaml:"operator" enum:"equals,contains,matches,greater_than,less_than"`
	Value    string            `json:"value" yaml:"value"`
}

type RoutingRule struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	ActionType   ActionType      `json:"action_type" yaml:"action_type"`
	Conditions   []RuleCondition `json:"conditions" yaml:"conditions"`
	Routing      RoutingDecision `json:"routing" yaml:"routing" enum:"auto_execute,monitored_execute,gated,blocked"`
	NotifyOwners bool            `json:"notify_owners" yaml:"notify_owners"`
	Enabled      bool            `json:"enabled" yaml:"enabled"`
	Priority     int             `json:"priority" yaml:"priority"`
	CreatedAt    time.Time       `json:"created_at" yaml:"-" format:"date-time"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"-" format:"date-time"`
}

type ServiceOwnership struct {
	Service         string   `json:"service" yaml:"service"`
	Team            string   `json:"team" yaml:"team"`
	PrimaryOwner    string   `json:"primary_owner" yaml:"primary_owner"`
	SecondaryOwners []string `json:"secondary_owners" yaml:"secondary_owners"`
	OnCall          string   `json:"on_call" yaml:"on_call"`
	Channel         string   `json:"channel" yaml:"channel"`
	Dependencies    []string `json:"dependencies" yaml:"dependencies"`
}

// Owners is the attribution answer for one service.
type Owners struct {
	Service         string   `json:"service"`
	Team            string   `json:"team,omitempty"`
	PrimaryOwner    string   `json:"primary_owner"`
	SecondaryOwners []string `json:"secondary_owners"`
	OnCall          string   `json:"on_call"`
	Channel         string   `json:"channel"`
}

// Attribution is the union of owners resolved for an action.
type Attribution struct {
	Owners     []Owners `json:"owners"`
	Humans     []string `json:"humans"`
	Channels   []string `json:"channels"`
	Confidence int      `json:"confidence"`
	Basis      string   `json:"basis"`
	Unresolved []string `json:"unresolved,omitempty"`
}

const (
	BasisDirectOwnership = "direct_ownership"
	BasisTargetPath      = "target_path"
	BasisUnattributed    = "unattributed"
)

// ConfidenceLabel mirrors the dashboard wording for attribution confidence.
func ConfidenceLabel(confidence int) string {
	switch {
	case confidence >= 85:
		return "LIKELY"
	case confidence >= 60:
		return "SUSPECTED"
	default:
		return "POSSIBLE"
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type IncidentStatus string

const (
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentIdentified    IncidentStatus = "identified"
	IncidentMonitoring    IncidentStatus = "monitoring"
	IncidentResolved      IncidentStatus = "resolved"
)

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentInvestigating, IncidentIdentified, IncidentMonitoring, IncidentResolved:
		return true
	}
	return false
}

type RootCause struct {
	ActionID    string `json:"action_id"`
	AgentID     string `json:"agent_id,omitempty"`
	AgentName   string `json:"agent_name,omitempty"`
	Description string `json:"description,omitempty"`
}

type Incident struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Severity         Severity        `json:"severity" enum:"low,medium,high,critical"`
	Status           IncidentStatus  `json:"status" enum:"investigating,identified,monitoring,resolved"`
	StartTime        time.Time       `json:"start_time" format:"date-time"`
	EndTime          *time.Time      `json:"end_time,omitempty" format:"date-time"`
	AffectedServices []string        `json:"affected_services"`
	RootCause        *RootCause      `json:"root_cause,omitempty"`
	Timeline         []TimelineEvent `json:"timeline"`
	Responders       []string        `json:"responders"`
	TTIStartedAt     *time.Time      `json:"tti_started_at,omitempty" format:"date-time"`
	TTI              *int64          `json:"tti"`
	MTTR             *int64          `json:"mttr"`
	UpdatedAt        time.Time       `json:"updated_at" format:"date-time"`
}

type TimelineEventType string

const (
	EventAction       TimelineEventType = "action"
	EventAlert        TimelineEventType = "alert"
	EventNotification TimelineEventType = "notification"
	EventIntervention TimelineEventType = "intervention"
	EventRecovery     TimelineEventType = "recovery"
	EventNote         TimelineEventType = "note"
)

func (t TimelineEventType) Valid() bool {
	switch t {
	case EventAction, EventAlert, EventNotification, EventIntervention, EventRecovery, EventNote:
		return true
	}
	return false
}

type ActorKind string

const (
	ActorAgent  ActorKind = "agent"
	ActorHuman  ActorKind = "human"
	ActorSystem ActorKind = "system"
)

func (k ActorKind) Valid() bool {
	return k == ActorAgent || k == ActorHuman || k == ActorSystem
}

type TimelineEvent struct {
	ID          string            `json:"id"`
	IncidentID  string            `json:"incident_id"`
	Seq         int64             `json:"seq"`
	Timestamp   time.Time         `json:"timestamp" format:"date-time"`
	Type        TimelineEventType `json:"type" enum:"action,alert,notification,intervention,recovery,note"`
	Actor       string            `json:"actor"`
	ActorKind   ActorKind         `json:"actor_kind" enum:"agent,human,system"`
	Description string            `json:"description"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// NotificationReceipt confirms a delivered notification.
type NotificationReceipt struct {
	RequestID   string    `json:"request_id"`
	ActionID    string    `json:"action_id"`
	IncidentID  string    `json:"incident_id,omitempty"`
	Channels    []string  `json:"channels"`
	Recipients  []string  `json:"recipients"`
	Attempts    int       `json:"attempts"`
	DeliveredAt time.Time `json:"delivered_at" format:"date-time"`
}

// Event is an audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Metrics is the dashboard summary projection.
type Metrics struct {
	TotalActions24h      int                     `json:"total_actions_24h"`
	ActionsByRouting     map[RoutingDecision]int `json:"actions_by_routing"`
	AvgTTI               float64                 `json:"avg_tti"`
	IncidentsOpen        int                     `json:"incidents_open"`
	IncidentsResolved24h int                     `json:"incidents_resolved_24h"`
	ActiveAgents         int                     `json:"active_agents"`
	TopAgents            []AgentActivity         `json:"top_agents"`
	StaleBlocked         int                     `json:"stale_blocked"`
}

type AgentActivity struct {
	Name    string `json:"name"`
	Actions int    `json:"actions"`
}

// TimeLayout is the fixed-width UTC layout used for stored timestamps so that
// lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// FlagStale marks a pending blocked action that has waited since before cutoff.
// The canonical status is left untouched.
func (a *Action) FlagStale(cutoff time.Time) {
	a.Stale = a.Routing == RouteBlocked && a.Status == StatusPending && a.StartedAt.Before(cutoff)
}

func (t ActionType) String() string { return string(t) }
