package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"routeline/internal/domain"
	"routeline/internal/engine"
)

type ruleBody struct {
	Body domain.RoutingRule `json:"body"`
}

func registerRules(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List routing rules in evaluation order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listRules `json:"body"`
	}, error) {
		rules, err := e.ListRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listRules `json:"body"`
		}{Body: listRules{Items: rules}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create a routing rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*ruleBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		rule, rerr := e.CreateRule(ctx, input.Body.rule(), p.ActorID)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return &ruleBody{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{id}",
		Summary:     "Update a routing rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRuleRequest `json:"body"`
	}) (*ruleBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		rule, rerr := e.UpdateRule(ctx, input.ID, input.Body.patch(), p.ActorID)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return &ruleBody{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{id}/toggle",
		Summary:     "Enable or disable a routing rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body ToggleRuleRequest `json:"body"`
	}) (*ruleBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		rule, rerr := e.SetRuleEnabled(ctx, input.ID, input.Body.Enabled, p.ActorID)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return &ruleBody{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{id}",
		Summary:       "Delete a routing rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if derr := e.DeleteRule(ctx, input.ID, p.ActorID); derr != nil {
			return nil, handleError(derr)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-intent",
		Method:      http.MethodPost,
		Path:        "/rules/classify",
		Summary:     "Dry-run classification of an intent",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubmitActionRequest `json:"body"`
	}) (*struct {
		Body ClassificationResponse `json:"body"`
	}, error) {
		c, err := e.ClassifyDryRun(ctx, input.Body.intent())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClassificationResponse `json:"body"`
		}{Body: classificationResponse(c)}, nil
	})
}
