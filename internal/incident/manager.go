// Package incident runs the incident lifecycle: the status state machine, the
// ordered timeline and the frozen TTI/MTTR measurements. Writes to one incident are
// serialised; different incidents proceed in parallel.
package incident

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"routeline/internal/config"
	"routeline/internal/domain"
	"routeline/internal/events"
	"routeline/internal/metrics"
	"routeline/internal/notify"
	"routeline/internal/repo"
)

const (
	OriginAuto     = "auto"
	OriginExplicit = "explicit"
)

type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*incidentLock
}

// incidentLock is held by writers of one incident; refs counts holders and waiters so
// the entry is dropped once nobody needs it.
type incidentLock struct {
	mu   sync.Mutex
	refs int
}

var _ notify.IncidentSink = (*Manager)(nil)

func NewManager(db *sql.DB, cfg *config.Config, logger zerolog.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Config: cfg,
		Log:    logger,
		Now:    now,
	}
}

func (m *Manager) now() time.Time {
	return m.Now().UTC()
}

// lock serialises writers of one incident.
func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	if m.locks == nil {
		m.locks = map[string]*incidentLock{}
	}
	l, ok := m.locks[id]
	if !ok {
		l = &incidentLock{}
		m.locks[id] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

type OpenRequest struct {
	Title            string
	Severity         domain.Severity
	AffectedServices []string
	RootCause        *domain.RootCause
	Origin           string
	Actor            string
	ActorKind        domain.ActorKind
	StartTime        time.Time
}

// Open creates an incident in its own transaction.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (domain.Incident, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()
	inc, err := m.OpenTx(ctx, tx, req)
	if err != nil {
		return domain.Incident{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Incident{}, err
	}
	metrics.RecordIncidentOpened(string(inc.Severity), req.Origin)
	return inc, nil
}

// OpenTx creates an incident inside the caller's transaction. Severity is never
// inferred; an empty severity defaults to medium.
func (m *Manager) OpenTx(ctx context.Context, tx *sql.Tx, req OpenRequest) (domain.Incident, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return domain.Incident{}, fmt.Errorf("incident title is required")
	}
	sev := req.Severity
	if sev == "" {
		sev = domain.SeverityMedium
	}
	if !sev.Valid() {
		return domain.Incident{}, fmt.Errorf("invalid severity %q", sev)
	}
	if req.Origin == "" {
		req.Origin = OriginExplicit
	}
	now := m.now()
	start := req.StartTime.UTC()
	if req.StartTime.IsZero() {
		start = now
	}
	affected := req.AffectedServices
	if affected == nil {
		affected = []string{}
	}
	inc := domain.Incident{
		ID:               uuid.NewString(),
		Title:            title,
		Severity:         sev,
		Status:           domain.IncidentInvestigating,
		StartTime:        start,
		AffectedServices: affected,
		RootCause:        req.RootCause,
		Responders:       []string{},
		UpdatedAt:        now,
	}
	if err := m.Repo.InsertIncident(ctx, tx, inc); err != nil {
		return domain.Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	seed := domain.TimelineEvent{
		Timestamp:   start,
		Type:        domain.EventAlert,
		Actor:       actorOr(req.Actor, "system"),
		ActorKind:   kindOr(req.ActorKind, domain.ActorSystem),
		Description: "Incident opened: " + title,
		Metadata:    map[string]any{"origin": req.Origin, "severity": string(sev)},
	}
	if rc := req.RootCause; rc != nil {
		seed.Type = domain.EventAction
		seed.Actor = actorOr(rc.AgentID, seed.Actor)
		seed.ActorKind = domain.ActorAgent
		seed.Description = fmt.Sprintf("Action %s triggered incident: %s", rc.ActionID, rc.Description)
		seed.Metadata["action_id"] = rc.ActionID
	}
	ev, err := m.insertEvent(ctx, tx, &inc, seed)
	if err != nil {
		return domain.Incident{}, err
	}
	inc.Timeline = []domain.TimelineEvent{ev}
	if err := m.Events.Append(ctx, tx, "incident.opened", events.KindIncident, inc.ID, seed.Actor, events.EventPayload{
		"title":             inc.Title,
		"severity":          inc.Severity,
		"origin":            req.Origin,
		"affected_services": inc.AffectedServices,
		"root_cause":        inc.RootCause,
	}); err != nil {
		return domain.Incident{}, err
	}
	m.Log.Info().Str("incident_id", inc.ID).Str("severity", string(sev)).Str("origin", req.Origin).Msg("Incident opened")
	return inc, nil
}

// Transition moves an incident to the immediate successor status.
func (m *Manager) Transition(ctx context.Context, id string, to domain.IncidentStatus, actor string, kind domain.ActorKind) (domain.Incident, error) {
	if !to.Valid() {
		return domain.Incident{}, domain.InvalidTransitionf("unknown incident status %q", to)
	}
	kind = kindOr(kind, domain.ActorHuman)
	actor = actorOr(actor, "system")
	return m.mutate(ctx, id, func(tx *sql.Tx, inc *domain.Incident) error {
		from := inc.Status
		if err := ensureIncidentTransition(from, to, m.allowSkip()); err != nil {
			return err
		}
		now := m.now()
		inc.Status = to
		ev := domain.TimelineEvent{
			Timestamp:   now,
			Type:        domain.EventNote,
			Actor:       actor,
			ActorKind:   kind,
			Description: fmt.Sprintf("Status changed %s -> %s", from, to),
			Metadata:    map[string]any{"from": string(from), "to": string(to)},
		}
		switch {
		case to == domain.IncidentResolved:
			ev.Type = domain.EventRecovery
		case kind == domain.ActorHuman:
			ev.Type = domain.EventIntervention
		}
		if to == domain.IncidentResolved {
			inc.EndTime = &now
			mttr := seconds(now.Sub(inc.StartTime))
			inc.MTTR = &mttr
			metrics.RecordMTTR(mttr)
		}
		if _, err := m.applyEvent(ctx, tx, inc, ev); err != nil {
			return err
		}
		return m.Events.Append(ctx, tx, "incident.transitioned", events.KindIncident, inc.ID, actor, events.EventPayload{
			"from": from, "to": to, "mttr": inc.MTTR,
		})
	})
}

// AppendEvent inserts a timeline event. The timeline stays ordered by timestamp with
// arrival order as tie-break; the first intervention to arrive freezes TTI.
func (m *Manager) AppendEvent(ctx context.Context, id string, ev domain.TimelineEvent) (domain.Incident, error) {
	if !ev.Type.Valid() {
		return domain.Incident{}, fmt.Errorf("invalid timeline event type %q", ev.Type)
	}
	if ev.ActorKind != "" && !ev.ActorKind.Valid() {
		return domain.Incident{}, fmt.Errorf("invalid actor kind %q", ev.ActorKind)
	}
	return m.mutate(ctx, id, func(tx *sql.Tx, inc *domain.Incident) error {
		if inc.Status == domain.IncidentResolved {
			return domain.InvalidTransitionf("incident %s is resolved", inc.ID)
		}
		stored, err := m.applyEvent(ctx, tx, inc, ev)
		if err != nil {
			return err
		}
		return m.Events.Append(ctx, tx, "incident.event_appended", events.KindIncident, inc.ID, stored.Actor, events.EventPayload{
			"event_id": stored.ID, "type": stored.Type, "timestamp": domain.FormatTime(stored.Timestamp),
		})
	})
}

// AddResponder records a responder without touching TTI.
func (m *Manager) AddResponder(ctx context.Context, id, responder, actor string) (domain.Incident, error) {
	responder = strings.TrimSpace(responder)
	if responder == "" {
		return domain.Incident{}, fmt.Errorf("responder is required")
	}
	return m.mutate(ctx, id, func(tx *sql.Tx, inc *domain.Incident) error {
		if inc.Status == domain.IncidentResolved {
			return domain.InvalidTransitionf("incident %s is resolved", inc.ID)
		}
		if !addResponder(inc, responder) {
			return nil
		}
		return m.Events.Append(ctx, tx, "incident.responder_added", events.KindIncident, inc.ID, actorOr(actor, "system"), events.EventPayload{
			"responder": responder,
		})
	})
}

// MarkNotified starts the TTI clock at the first confirmed notification.
func (m *Manager) MarkNotified(ctx context.Context, id string, receipt domain.NotificationReceipt) error {
	_, err := m.mutate(ctx, id, func(tx *sql.Tx, inc *domain.Incident) error {
		if inc.Status == domain.IncidentResolved {
			return nil
		}
		if inc.TTIStartedAt == nil && inc.TTI == nil {
			at := receipt.DeliveredAt.UTC()
			inc.TTIStartedAt = &at
		}
		ev := domain.TimelineEvent{
			Timestamp:   receipt.DeliveredAt,
			Type:        domain.EventNotification,
			Actor:       "routeline",
			ActorKind:   domain.ActorSystem,
			Description: fmt.Sprintf("Owners notified via %s", strings.Join(receipt.Channels, ", ")),
			Metadata: map[string]any{
				"request_id": receipt.RequestID,
				"action_id":  receipt.ActionID,
				"recipients": receipt.Recipients,
				"attempts":   receipt.Attempts,
			},
		}
		if _, err := m.applyEvent(ctx, tx, inc, ev); err != nil {
			return err
		}
		return m.Events.Append(ctx, tx, "notification.delivered", events.KindIncident, inc.ID, "routeline", events.EventPayload{
			"request_id": receipt.RequestID, "channels": receipt.Channels, "attempts": receipt.Attempts,
		})
	})
	return err
}

// RecordDispatchExhausted appends a visible, non-blocking note for a failed delivery.
func (m *Manager) RecordDispatchExhausted(ctx context.Context, id string, n notify.Notification, attempts int, cause error) error {
	_, err := m.mutate(ctx, id, func(tx *sql.Tx, inc *domain.Incident) error {
		if inc.Status == domain.IncidentResolved {
			return nil
		}
		ev := domain.TimelineEvent{
			Timestamp:   m.now(),
			Type:        domain.EventNote,
			Actor:       "routeline",
			ActorKind:   domain.ActorSystem,
			Description: fmt.Sprintf("DispatchExhausted: notification for action %s failed after %d attempts", n.ActionID, attempts),
			Metadata: map[string]any{
				"request_id": n.RequestID,
				"action_id":  n.ActionID,
				"attempts":   attempts,
				"error":      fmt.Sprint(cause),
			},
		}
		if _, err := m.applyEvent(ctx, tx, inc, ev); err != nil {
			return err
		}
		return m.Events.Append(ctx, tx, "notification.exhausted", events.KindIncident, inc.ID, "routeline", events.EventPayload{
			"request_id": n.RequestID, "attempts": attempts,
		})
	})
	return err
}

func (m *Manager) Get(ctx context.Context, id string) (domain.Incident, error) {
	return m.Repo.GetIncident(ctx, id)
}

func (m *Manager) List(ctx context.Context, f repo.IncidentFilters) ([]domain.Incident, error) {
	return m.Repo.ListIncidents(ctx, f)
}

// mutate runs fn under the incident lock inside a transaction and persists the result.
func (m *Manager) mutate(ctx context.Context, id string, fn func(tx *sql.Tx, inc *domain.Incident) error) (domain.Incident, error) {
	unlock := m.lock(id)
	defer unlock()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()
	inc, err := m.Repo.GetIncidentTx(ctx, tx, id)
	if err != nil {
		return domain.Incident{}, err
	}
	if err := fn(tx, &inc); err != nil {
		return domain.Incident{}, err
	}
	inc.UpdatedAt = m.now()
	if err := m.Repo.UpdateIncident(ctx, tx, inc); err != nil {
		return domain.Incident{}, err
	}
	inc.Timeline, err = m.Repo.ListTimelineTx(ctx, tx, id)
	if err != nil {
		return domain.Incident{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Incident{}, err
	}
	return inc, nil
}

// applyEvent stores ev and folds its effects into inc.
func (m *Manager) applyEvent(ctx context.Context, tx *sql.Tx, inc *domain.Incident, ev domain.TimelineEvent) (domain.TimelineEvent, error) {
	stored, err := m.insertEvent(ctx, tx, inc, ev)
	if err != nil {
		return stored, err
	}
	if stored.ActorKind == domain.ActorHuman && stored.Type == domain.EventIntervention {
		addResponder(inc, stored.Actor)
	}
	if stored.Type == domain.EventIntervention && inc.TTI == nil {
		clockStart := inc.StartTime
		if inc.TTIStartedAt != nil {
			clockStart = *inc.TTIStartedAt
		}
		tti := seconds(stored.Timestamp.Sub(clockStart))
		inc.TTI = &tti
		metrics.RecordTTI(tti)
		m.Log.Info().Str("incident_id", inc.ID).Int64("tti_seconds", tti).Str("actor", stored.Actor).Msg("TTI frozen")
	}
	return stored, nil
}

func (m *Manager) insertEvent(ctx context.Context, tx *sql.Tx, inc *domain.Incident, ev domain.TimelineEvent) (domain.TimelineEvent, error) {
	seq, err := m.Repo.NextTimelineSeq(ctx, tx, inc.ID)
	if err != nil {
		return ev, err
	}
	ev.ID = ulid.Make().String()
	ev.IncidentID = inc.ID
	ev.Seq = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Actor = actorOr(ev.Actor, "system")
	ev.ActorKind = kindOr(ev.ActorKind, domain.ActorSystem)
	if err := m.Repo.InsertTimelineEvent(ctx, tx, ev); err != nil {
		return ev, fmt.Errorf("insert timeline event: %w", err)
	}
	return ev, nil
}

func (m *Manager) allowSkip() bool {
	return m.Config != nil && m.Config.Incidents.AllowSkipIdentified
}

// ensureIncidentTransition enforces investigating -> identified -> monitoring -> resolved.
// investigating -> monitoring is allowed only when skipping identified is enabled.
func ensureIncidentTransition(from, to domain.IncidentStatus, allowSkipIdentified bool) error {
	switch from {
	case domain.IncidentInvestigating:
		if to == domain.IncidentIdentified || (allowSkipIdentified && to == domain.IncidentMonitoring) {
			return nil
		}
	case domain.IncidentIdentified:
		if to == domain.IncidentMonitoring {
			return nil
		}
	case domain.IncidentMonitoring:
		if to == domain.IncidentResolved {
			return nil
		}
	case domain.IncidentResolved:
		return domain.InvalidTransitionf("incident is resolved")
	}
	return domain.InvalidTransitionf("incident %s -> %s", from, to)
}

func addResponder(inc *domain.Incident, responder string) bool {
	for _, r := range inc.Responders {
		if r == responder {
			return false
		}
	}
	inc.Responders = append(inc.Responders, responder)
	return true
}

func seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func actorOr(actor, fallback string) string {
	if strings.TrimSpace(actor) == "" {
		return fallback
	}
	return actor
}

func kindOr(kind, fallback domain.ActorKind) domain.ActorKind {
	if kind == "" {
		return fallback
	}
	return kind
}
