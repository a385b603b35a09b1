package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"routeline/internal/domain"
	"routeline/internal/engine"
)

type syncBody struct {
	Body engine.OwnershipSync `json:"body"`
}

func registerOwnership(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ownership",
		Method:      http.MethodGet,
		Path:        "/ownership",
		Summary:     "Current ownership snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listOwnership `json:"body"`
	}, error) {
		snap, err := e.OwnershipSnapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listOwnership `json:"body"`
		}{Body: listOwnership{Generation: snap.Generation, Items: snap.Services()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-ownership",
		Method:      http.MethodPut,
		Path:        "/ownership",
		Summary:     "Replace the ownership catalog",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body OwnershipSyncRequest `json:"body"`
	}) (*syncBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		res, serr := e.SyncOwnership(ctx, input.Body.Services, p.ActorID)
		if serr != nil {
			return nil, handleError(serr)
		}
		return &syncBody{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-ownership",
		Method:      http.MethodPatch,
		Path:        "/ownership",
		Summary:     "Upsert and delete individual services",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body OwnershipPatchRequest `json:"body"`
	}) (*syncBody, error) {
		p, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		res, serr := e.ApplyOwnership(ctx, input.Body.Upserts, input.Body.Deletes, p.ActorID)
		if serr != nil {
			return nil, handleError(serr)
		}
		return &syncBody{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "service-owners",
		Method:      http.MethodGet,
		Path:        "/ownership/{service}/owners",
		Summary:     "Resolve the owners of a service",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Service string `path:"service"`
	}) (*struct {
		Body domain.Owners `json:"body"`
	}, error) {
		owners, err := e.Owners(ctx, input.Service)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Owners `json:"body"`
		}{Body: owners}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "service-dependents",
		Method:      http.MethodGet,
		Path:        "/ownership/{service}/dependents",
		Summary:     "Transitive dependents of a service",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Service string `path:"service"`
		Depth   int    `query:"depth"`
	}) (*struct {
		Body DependentsResponse `json:"body"`
	}, error) {
		depth := input.Depth
		if depth <= 0 {
			depth = e.Config.BlastRadius.DependentsDepth
		}
		deps, err := e.Dependents(ctx, input.Service, depth)
		if err != nil {
			return nil, handleError(err)
		}
		if deps == nil {
			deps = []string{}
		}
		return &struct {
			Body DependentsResponse `json:"body"`
		}{Body: DependentsResponse{Service: input.Service, Depth: depth, Dependents: deps}}, nil
	})
}
