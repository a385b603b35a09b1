package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"routeline/internal/domain"
)

const actionColumns = `id,agent_id,agent_name,type,description,target,affected_services_json,metadata_json,routing,rule_id,notify_owners,status,started_at,duration_ms,incident_id,updated_at`

type ActionFilters struct {
	Routing   domain.RoutingDecision
	Status    domain.ActionStatus
	AgentID   string
	Type      domain.ActionType
	Search    string
	StaleOnly bool
	// StaleBefore is the cutoff for the stale projection; zero disables flagging.
	StaleBefore     time.Time
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	meta := ""
	if len(a.Metadata) > 0 {
		var err error
		if meta, err = marshalJSON(a.Metadata); err != nil {
			return err
		}
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO actions(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.AgentID, a.AgentName, string(a.Type), nullable(a.Description), a.Target, stringList(a.AffectedServices), nullable(meta),
		string(a.Routing), nullableStringPtr(a.RuleID), boolInt(a.NotifyOwners), string(a.Status), domain.FormatTime(a.StartedAt),
		nullableInt64Ptr(a.DurationMs), nullableStringPtr(a.IncidentID), domain.FormatTime(a.UpdatedAt))
	return err
}

// CompareAndSetActionStatus moves an action from one status to another. It reports
// false when the stored status no longer equals from, leaving the row untouched.
func (r Repo) CompareAndSetActionStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.ActionStatus, durationMs *int64, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE actions SET status=?, duration_ms=COALESCE(?,duration_ms), updated_at=? WHERE id=? AND status=?`,
		string(to), nullableInt64Ptr(durationMs), domain.FormatTime(now), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetActionIncident(ctx context.Context, tx *sql.Tx, id, incidentID string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE actions SET incident_id=?, updated_at=? WHERE id=?`, incidentID, domain.FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	return r.GetActionTx(ctx, nil, id)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	var clauses []string
	var args []any
	if f.Routing != "" {
		clauses = append(clauses, "routing=?")
		args = append(args, string(f.Routing))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + escapeLike(strings.ToLower(s)) + "%"
		clauses = append(clauses, `(LOWER(COALESCE(description,'')) LIKE ? ESCAPE '\' OR LOWER(agent_id) LIKE ? ESCAPE '\' OR LOWER(agent_name) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if f.StaleOnly {
		clauses = append(clauses, "routing=? AND status=? AND started_at<?")
		args = append(args, string(domain.RouteBlocked), string(domain.StatusPending), domain.FormatTime(f.StaleBefore))
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + actionColumns + ` FROM actions ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		if !f.StaleBefore.IsZero() {
			a.FlagStale(f.StaleBefore)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountRecentActions counts actions of the same agent and type started at or after since.
func (r Repo) CountRecentActions(ctx context.Context, agentID string, actionType domain.ActionType, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM actions WHERE agent_id=? AND type=? AND started_at>=?`,
		agentID, string(actionType), domain.FormatTime(since)).Scan(&n)
	return n, err
}

// ActionStats aggregates the dashboard counters over actions started at or after since.
type ActionStats struct {
	Total        int
	ByRouting    map[domain.RoutingDecision]int
	ActiveAgents int
	TopAgents    []domain.AgentActivity
	StaleBlocked int
}

func (r Repo) ActionStats(ctx context.Context, since, staleBefore time.Time, topN int) (ActionStats, error) {
	stats := ActionStats{ByRouting: map[domain.RoutingDecision]int{}}
	for _, d := range domain.RoutingDecisions {
		stats.ByRouting[d] = 0
	}
	sinceTS := domain.FormatTime(since)
	rows, err := r.DB.QueryContext(ctx, `SELECT routing, count(*) FROM actions WHERE started_at>=? GROUP BY routing`, sinceTS)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var routing string
		var count int
		if err := rows.Scan(&routing, &count); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByRouting[domain.RoutingDecision(routing)] = count
		stats.Total += count
	}
	rows.Close()
	if err := r.DB.QueryRowContext(ctx, `SELECT count(DISTINCT agent_id) FROM actions WHERE started_at>=?`, sinceTS).Scan(&stats.ActiveAgents); err != nil {
		return stats, err
	}
	rows, err = r.DB.QueryContext(ctx, `SELECT agent_name, count(*) AS n FROM actions WHERE started_at>=? GROUP BY agent_id, agent_name ORDER BY n DESC, agent_name ASC LIMIT ?`, sinceTS, topN)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	stats.TopAgents = []domain.AgentActivity{}
	for rows.Next() {
		var a domain.AgentActivity
		if err := rows.Scan(&a.Name, &a.Actions); err != nil {
			return stats, err
		}
		stats.TopAgents = append(stats.TopAgents, a)
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM actions WHERE routing=? AND status=? AND started_at<?`,
		string(domain.RouteBlocked), string(domain.StatusPending), domain.FormatTime(staleBefore)).Scan(&stats.StaleBlocked)
	return stats, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (domain.Action, error) {
	var a domain.Action
	var (
		typ, routing, status, startedAt, updatedAt, affected string
		description, metadata, ruleID, incidentID            sql.NullString
		notify                                               int
		duration                                             sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.AgentID, &a.AgentName, &typ, &description, &a.Target, &affected, &metadata, &routing, &ruleID,
		&notify, &status, &startedAt, &duration, &incidentID, &updatedAt)
	if err != nil {
		return a, err
	}
	a.Type = domain.ActionType(typ)
	a.Routing = domain.RoutingDecision(routing)
	a.Status = domain.ActionStatus(status)
	a.NotifyOwners = notify == 1
	a.AffectedServices = parseStringList(affected)
	a.StartedAt = parseTS(startedAt)
	a.UpdatedAt = parseTS(updatedAt)
	if description.Valid {
		a.Description = description.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return a, err
		}
	}
	if ruleID.Valid {
		a.RuleID = &ruleID.String
	}
	if incidentID.Valid {
		a.IncidentID = &incidentID.String
	}
	if duration.Valid {
		d := duration.Int64
		a.DurationMs = &d
	}
	return a, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
