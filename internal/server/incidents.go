package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"routeline/internal/domain"
	"routeline/internal/engine"
	"routeline/internal/repo"
)

type incidentBody struct {
	Body domain.Incident `json:"body"`
}

func registerIncidents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-incident",
		Method:        http.MethodPost,
		Path:          "/incidents",
		Summary:       "Open an incident",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body OpenIncidentRequest `json:"body"`
	}) (*incidentBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		inc, oerr := e.OpenIncident(ctx, engine.OpenIncidentRequest{
			Title:            input.Body.Title,
			Severity:         domain.Severity(input.Body.Severity),
			AffectedServices: input.Body.AffectedServices,
			RootCauseAction:  input.Body.RootCauseAction,
			Description:      input.Body.Description,
			Actor:            p.ActorID,
			ActorKind:        p.Kind,
		})
		if oerr != nil {
			return nil, handleError(oerr)
		}
		return &incidentBody{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List incidents, most recent first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"investigating,identified,monitoring,resolved"`
		Severity string `query:"severity" enum:"low,medium,high,critical"`
		Search   string `query:"q"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedIncidents `json:"body"`
	}, error) {
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Incidents.List(ctx, repo.IncidentFilters{
			Status:          domain.IncidentStatus(input.Status),
			Severity:        domain.Severity(input.Severity),
			Search:          input.Search,
			Limit:           limit + 1,
			CursorStartTime: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIncidents{Items: []domain.Incident{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(domain.FormatTime(last.StartTime), last.ID)
			items = items[:limit]
		}
		for _, inc := range items {
			if inc.Timeline == nil {
				inc.Timeline = []domain.TimelineEvent{}
			}
			resp.Items = append(resp.Items, inc)
		}
		return &struct {
			Body paginatedIncidents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}",
		Summary:     "Get an incident with its timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*incidentBody, error) {
		inc, err := e.Incidents.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentBody{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/transition",
		Summary:     "Move an incident to its next status",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body IncidentTransitionRequest `json:"body"`
	}) (*incidentBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		inc, terr := e.Incidents.Transition(ctx, input.ID, domain.IncidentStatus(input.Body.Status), p.ActorID, p.Kind)
		if terr != nil {
			return nil, handleError(terr)
		}
		return &incidentBody{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-incident-event",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/events",
		Summary:     "Append a timeline event",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body TimelineEventRequest `json:"body"`
	}) (*incidentBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		ev := domain.TimelineEvent{
			Type:        domain.TimelineEventType(input.Body.Type),
			Actor:       p.ActorID,
			ActorKind:   p.Kind,
			Description: input.Body.Description,
			Metadata:    input.Body.Metadata,
		}
		if input.Body.Timestamp != nil {
			ts, perr := time.Parse(time.RFC3339Nano, *input.Body.Timestamp)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid timestamp", map[string]any{"timestamp": *input.Body.Timestamp})
			}
			ev.Timestamp = ts.UTC()
		}
		inc, aerr := e.Incidents.AppendEvent(ctx, input.ID, ev)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return &incidentBody{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-incident-responder",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/responders",
		Summary:     "Add a responder",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AddResponderRequest `json:"body"`
	}) (*incidentBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		inc, rerr := e.Incidents.AddResponder(ctx, input.ID, input.Body.Responder, p.ActorID)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return &incidentBody{Body: inc}, nil
	})
}
