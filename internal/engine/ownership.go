package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"routeline/internal/domain"
	"routeline/internal/events"
	"routeline/internal/metrics"
	"routeline/internal/ownership"
	"routeline/internal/repo"
)

// OwnershipSync summarises an applied sync.
type OwnershipSync struct {
	Mode       string `json:"mode"`
	Generation uint64 `json:"generation"`
	Services   int    `json:"services"`
}

// SyncOwnership replaces the whole ownership catalog. Readers keep the previous
// snapshot until the new one is persisted and swapped in.
func (e *Engine) SyncOwnership(ctx context.Context, services []domain.ServiceOwnership, actorID string) (OwnershipSync, error) {
	normalized, err := ownership.Normalize(services)
	if err != nil {
		return OwnershipSync{}, err
	}
	e.ownMu.Lock()
	defer e.ownMu.Unlock()
	var version int64
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ReplaceOwnership(ctx, tx, normalized, e.now()); err != nil {
			return fmt.Errorf("replace ownership: %w", err)
		}
		v, err := e.Repo.BumpCatalogVersion(ctx, tx, repo.CatalogOwnership, e.now())
		if err != nil {
			return fmt.Errorf("bump ownership version: %w", err)
		}
		version = v
		return e.Events.Append(ctx, tx, "ownership.synced", events.KindOwnership, "", actorID, events.EventPayload{
			"mode": "full", "services": len(normalized),
		})
	})
	if err != nil {
		return OwnershipSync{}, err
	}
	snap, err := e.Graph.Replace(normalized)
	if err != nil {
		return OwnershipSync{}, err
	}
	e.ownershipSeen.Store(version)
	metrics.SetOwnershipSnapshotSize(snap.Len())
	e.Log.Info().Uint64("generation", snap.Generation).Int("services", snap.Len()).Msg("Ownership snapshot replaced")
	return OwnershipSync{Mode: "full", Generation: snap.Generation, Services: snap.Len()}, nil
}

// ApplyOwnership upserts and deletes individual services. When another process edited
// the catalog since the last load, the graph is rebuilt from the committed rows instead
// of patched.
func (e *Engine) ApplyOwnership(ctx context.Context, upserts []domain.ServiceOwnership, deletes []string, actorID string) (OwnershipSync, error) {
	normalized, err := ownership.Normalize(upserts)
	if err != nil {
		return OwnershipSync{}, err
	}
	removed := make([]string, 0, len(deletes))
	for _, name := range deletes {
		if name = strings.TrimSpace(name); name != "" {
			removed = append(removed, name)
		}
	}
	e.ownMu.Lock()
	defer e.ownMu.Unlock()
	now := e.now()
	var version int64
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range removed {
			if err := e.Repo.DeleteOwnership(ctx, tx, name); err != nil {
				return fmt.Errorf("delete ownership %s: %w", name, err)
			}
		}
		for _, s := range normalized {
			if err := e.Repo.UpsertOwnership(ctx, tx, s, now); err != nil {
				return fmt.Errorf("upsert ownership %s: %w", s.Service, err)
			}
		}
		v, err := e.Repo.BumpCatalogVersion(ctx, tx, repo.CatalogOwnership, now)
		if err != nil {
			return fmt.Errorf("bump ownership version: %w", err)
		}
		version = v
		return e.Events.Append(ctx, tx, "ownership.synced", events.KindOwnership, "", actorID, events.EventPayload{
			"mode": "incremental", "upserts": len(normalized), "deletes": removed,
		})
	})
	if err != nil {
		return OwnershipSync{}, err
	}
	if version != e.ownershipSeen.Load()+1 {
		if err := e.loadOwnership(ctx); err != nil {
			return OwnershipSync{}, err
		}
		snap := e.Graph.Snapshot()
		return OwnershipSync{Mode: "incremental", Generation: snap.Generation, Services: snap.Len()}, nil
	}
	snap, err := e.Graph.Apply(normalized, removed)
	if err != nil {
		return OwnershipSync{}, err
	}
	e.ownershipSeen.Store(version)
	metrics.SetOwnershipSnapshotSize(snap.Len())
	return OwnershipSync{Mode: "incremental", Generation: snap.Generation, Services: snap.Len()}, nil
}

// OwnershipSnapshot returns the current snapshot after picking up committed edits.
func (e *Engine) OwnershipSnapshot(ctx context.Context) (*ownership.Snapshot, error) {
	if err := e.refreshCatalogs(ctx); err != nil {
		return nil, err
	}
	return e.Graph.Snapshot(), nil
}

// ListOwnership returns the services of the current snapshot.
func (e *Engine) ListOwnership(ctx context.Context) ([]domain.ServiceOwnership, error) {
	snap, err := e.OwnershipSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Services(), nil
}

func (e *Engine) Owners(ctx context.Context, service string) (domain.Owners, error) {
	if err := e.refreshCatalogs(ctx); err != nil {
		return domain.Owners{}, err
	}
	return e.Graph.ResolveOwners(ctx, strings.TrimSpace(service))
}

// Dependents returns downstream services; depth <= 0 uses the configured depth.
func (e *Engine) Dependents(ctx context.Context, service string, depth int) ([]string, error) {
	if depth <= 0 {
		depth = e.Config.BlastRadius.DependentsDepth
	}
	if err := e.refreshCatalogs(ctx); err != nil {
		return nil, err
	}
	return e.Graph.ResolveDependents(ctx, strings.TrimSpace(service), depth)
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
