package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"routeline/internal/domain"
)

const incidentColumns = `id,title,severity,status,start_time,end_time,affected_services_json,root_cause_json,responders_json,tti_started_at,tti_seconds,mttr_seconds,updated_at`

type IncidentFilters struct {
	Status          domain.IncidentStatus
	Severity        domain.Severity
	Search          string
	Limit           int
	CursorStartTime string
	CursorID        string
}

func (r Repo) InsertIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	rootCause, err := marshalRootCause(inc.RootCause)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO incidents(`+incidentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inc.ID, inc.Title, string(inc.Severity), string(inc.Status), domain.FormatTime(inc.StartTime), nullableTime(inc.EndTime),
		stringList(inc.AffectedServices), rootCause, stringList(inc.Responders), nullableTime(inc.TTIStartedAt),
		nullableInt64Ptr(inc.TTI), nullableInt64Ptr(inc.MTTR), domain.FormatTime(inc.UpdatedAt))
	return err
}

// UpdateIncident persists the mutable incident fields. The timeline is written separately.
func (r Repo) UpdateIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE incidents SET status=?, end_time=?, responders_json=?, tti_started_at=?, tti_seconds=?, mttr_seconds=?, updated_at=? WHERE id=?`,
		string(inc.Status), nullableTime(inc.EndTime), stringList(inc.Responders), nullableTime(inc.TTIStartedAt),
		nullableInt64Ptr(inc.TTI), nullableInt64Ptr(inc.MTTR), domain.FormatTime(inc.UpdatedAt), inc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	return r.GetIncidentTx(ctx, nil, id)
}

// GetIncidentTx loads an incident with its ordered timeline.
func (r Repo) GetIncidentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Incident, error) {
	inc, err := scanIncident(r.q(tx).QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return inc, ErrNotFound
	}
	if err != nil {
		return inc, err
	}
	inc.Timeline, err = r.ListTimelineTx(ctx, tx, id)
	return inc, err
}

func (r Repo) ListIncidents(ctx context.Context, f IncidentFilters) ([]domain.Incident, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, string(f.Severity))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + escapeLike(strings.ToLower(s)) + "%"
		clauses = append(clauses, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(COALESCE(root_cause_json,'')) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if f.CursorStartTime != "" && f.CursorID != "" {
		clauses = append(clauses, "(start_time < ? OR (start_time = ? AND id < ?))")
		args = append(args, f.CursorStartTime, f.CursorStartTime, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents ` + where + ` ORDER BY start_time DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

// NextTimelineSeq returns the arrival sequence number for the next event of an incident.
func (r Repo) NextTimelineSeq(ctx context.Context, tx *sql.Tx, incidentID string) (int64, error) {
	var seq int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE incident_id=?`, incidentID).Scan(&seq)
	return seq, err
}

func (r Repo) InsertTimelineEvent(ctx context.Context, tx *sql.Tx, ev domain.TimelineEvent) error {
	meta := ""
	if len(ev.Metadata) > 0 {
		var err error
		if meta, err = marshalJSON(ev.Metadata); err != nil {
			return err
		}
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO timeline_events(id,incident_id,seq,ts,type,actor,actor_kind,description,metadata_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.IncidentID, ev.Seq, domain.FormatTime(ev.Timestamp), string(ev.Type), ev.Actor, string(ev.ActorKind), ev.Description, nullable(meta))
	return err
}

// ListTimelineTx returns timeline events ordered by timestamp, then arrival sequence.
func (r Repo) ListTimelineTx(ctx context.Context, tx *sql.Tx, incidentID string) ([]domain.TimelineEvent, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,incident_id,seq,ts,type,actor,actor_kind,description,metadata_json FROM timeline_events WHERE incident_id=? ORDER BY ts ASC, seq ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TimelineEvent{}
	for rows.Next() {
		var ev domain.TimelineEvent
		var ts, typ, kind string
		var meta sql.NullString
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Seq, &ts, &typ, &ev.Actor, &kind, &ev.Description, &meta); err != nil {
			return nil, err
		}
		ev.Timestamp = parseTS(ts)
		ev.Type = domain.TimelineEventType(typ)
		ev.ActorKind = domain.ActorKind(kind)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, err
			}
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// IncidentStats aggregates the dashboard incident counters.
type IncidentStats struct {
	Open     int
	Resolved int
	AvgTTI   float64
	WithTTI  int
}

func (r Repo) IncidentStats(ctx context.Context, resolvedSince time.Time) (IncidentStats, error) {
	var stats IncidentStats
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM incidents WHERE status<>?`, string(domain.IncidentResolved)).Scan(&stats.Open); err != nil {
		return stats, err
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM incidents WHERE status=? AND end_time>=?`,
		string(domain.IncidentResolved), domain.FormatTime(resolvedSince)).Scan(&stats.Resolved); err != nil {
		return stats, err
	}
	var avg sql.NullFloat64
	if err := r.DB.QueryRowContext(ctx, `SELECT AVG(tti_seconds), count(tti_seconds) FROM incidents WHERE tti_seconds IS NOT NULL`).Scan(&avg, &stats.WithTTI); err != nil {
		return stats, err
	}
	if avg.Valid {
		stats.AvgTTI = avg.Float64
	}
	return stats, nil
}

func scanIncident(row rowScanner) (domain.Incident, error) {
	var inc domain.Incident
	var (
		severity, status, startTime, affected, responders, updatedAt string
		endTime, rootCause, ttiStarted                               sql.NullString
		tti, mttr                                                    sql.NullInt64
	)
	err := row.Scan(&inc.ID, &inc.Title, &severity, &status, &startTime, &endTime, &affected, &rootCause, &responders,
		&ttiStarted, &tti, &mttr, &updatedAt)
	if err != nil {
		return inc, err
	}
	inc.Severity = domain.Severity(severity)
	inc.Status = domain.IncidentStatus(status)
	inc.StartTime = parseTS(startTime)
	inc.EndTime = parseNullTS(endTime)
	inc.AffectedServices = parseStringList(affected)
	inc.Responders = parseStringList(responders)
	inc.TTIStartedAt = parseNullTS(ttiStarted)
	inc.UpdatedAt = parseTS(updatedAt)
	inc.Timeline = []domain.TimelineEvent{}
	if rootCause.Valid && rootCause.String != "" {
		var rc domain.RootCause
		if err := json.Unmarshal([]byte(rootCause.String), &rc); err != nil {
			return inc, err
		}
		inc.RootCause = &rc
	}
	if tti.Valid {
		v := tti.Int64
		inc.TTI = &v
	}
	if mttr.Valid {
		v := mttr.Int64
		inc.MTTR = &v
	}
	return inc, nil
}

func marshalRootCause(rc *domain.RootCause) (any, error) {
	if rc == nil {
		return nil, nil
	}
	return marshalJSON(rc)
}
