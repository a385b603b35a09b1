package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"routeline/internal/domain"
	"routeline/internal/engine"
	"routeline/internal/repo"
)

type actionBody struct {
	Body domain.Action `json:"body"`
}

func registerActions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Submit an agent intent for routing",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SubmitActionRequest `json:"body"`
	}) (*actionBody, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, err
		}
		a, err := e.Submit(ctx, input.Body.intent())
		if err != nil {
			return nil, handleError(err)
		}
		return &actionBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Routing string `query:"routing" enum:"auto_execute,monitored_execute,gated,blocked"`
		Status  string `query:"status" enum:"pending,executing,completed,failed,rolled_back"`
		AgentID string `query:"agent_id"`
		Type    string `query:"type"`
		Search  string `query:"q"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Router.List(ctx, repo.ActionFilters{
			Routing:         domain.RoutingDecision(input.Routing),
			Status:          domain.ActionStatus(input.Status),
			AgentID:         input.AgentID,
			Type:            domain.ActionType(input.Type),
			Search:          input.Search,
			Limit:           limit + 1,
			CursorStartedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: pageActions(items, limit)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stale-actions",
		Method:      http.MethodGet,
		Path:        "/actions/stale",
		Summary:     "Pending blocked actions waiting past the stale threshold",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		items, err := e.Router.ListStale(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: paginatedActions{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{id}",
		Summary:     "Get an action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*actionBody, error) {
		a, err := e.Router.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &actionBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-action-status",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/status",
		Summary:     "Report an execution status from the agent runtime",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ActionStatusRequest `json:"body"`
	}) (*actionBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		a, aerr := e.Router.ApplyStatus(ctx, input.ID, domain.ActionStatus(input.Body.Status), input.Body.DurationMs, p.ActorID)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return &actionBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/approve",
		Summary:     "Approve a pending gated or blocked action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*actionBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		a, aerr := e.Router.Approve(ctx, input.ID, p.ActorID)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return &actionBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/reject",
		Summary:     "Reject a pending action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body RejectActionRequest `json:"body,omitempty" required:"false"`
	}) (*actionBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		a, aerr := e.Router.Reject(ctx, input.ID, p.ActorID, input.Body.Reason)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return &actionBody{Body: a}, nil
	})
}

func pageActions(items []domain.Action, limit int) paginatedActions {
	resp := paginatedActions{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		resp.NextCursor = composeCursor(domain.FormatTime(last.StartedAt), last.ID)
		resp.Items = items[:limit]
	}
	return resp
}
