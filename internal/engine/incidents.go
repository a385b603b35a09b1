package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"routeline/internal/domain"
	"routeline/internal/incident"
	"routeline/internal/metrics"
)

type OpenIncidentRequest struct {
	Title            string
	Severity         domain.Severity
	AffectedServices []string
	RootCauseAction  string
	Description      string
	Actor            string
	ActorKind        domain.ActorKind
}

// OpenIncident opens an incident by hand. A root cause action is linked to the
// incident in the same transaction.
func (e *Engine) OpenIncident(ctx context.Context, req OpenIncidentRequest) (domain.Incident, error) {
	var inc domain.Incident
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		open := incident.OpenRequest{
			Title:            req.Title,
			Severity:         req.Severity,
			AffectedServices: trimAll(req.AffectedServices),
			Origin:           incident.OriginExplicit,
			Actor:            req.Actor,
			ActorKind:        req.ActorKind,
		}
		var action domain.Action
		if id := strings.TrimSpace(req.RootCauseAction); id != "" {
			a, err := e.Repo.GetActionTx(ctx, tx, id)
			if err != nil {
				return fmt.Errorf("root cause action %s: %w", id, err)
			}
			action = a
			desc := strings.TrimSpace(req.Description)
			if desc == "" {
				desc = a.Description
			}
			open.RootCause = &domain.RootCause{
				ActionID:    a.ID,
				AgentID:     a.AgentID,
				AgentName:   a.AgentName,
				Description: desc,
			}
			if len(open.AffectedServices) == 0 {
				open.AffectedServices = a.AffectedServices
			}
		}
		var err error
		inc, err = e.Incidents.OpenTx(ctx, tx, open)
		if err != nil {
			return err
		}
		if action.ID != "" && action.IncidentID == nil {
			return e.Repo.SetActionIncident(ctx, tx, action.ID, inc.ID, e.now())
		}
		return nil
	})
	if err != nil {
		return domain.Incident{}, err
	}
	metrics.RecordIncidentOpened(string(inc.Severity), incident.OriginExplicit)
	return inc, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
