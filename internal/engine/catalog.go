package engine

import (
	"context"
	"fmt"
	"time"
)

const catalogPollInterval = 2 * time.Second

// refreshCatalogs republishes the rule set or the ownership graph when another process
// committed edits since this engine last loaded them.
func (e *Engine) refreshCatalogs(ctx context.Context) error {
	v, err := e.Repo.GetCatalogVersions(ctx)
	if err != nil {
		return fmt.Errorf("read catalog versions: %w", err)
	}
	if v.Rules > e.rulesSeen.Load() {
		e.ruleMu.Lock()
		if v.Rules > e.rulesSeen.Load() {
			err = e.loadRules(ctx)
		}
		e.ruleMu.Unlock()
		if err != nil {
			return fmt.Errorf("reload rules: %w", err)
		}
	}
	if v.Ownership > e.ownershipSeen.Load() {
		e.ownMu.Lock()
		if v.Ownership > e.ownershipSeen.Load() {
			err = e.loadOwnership(ctx)
		}
		e.ownMu.Unlock()
		if err != nil {
			return fmt.Errorf("reload ownership: %w", err)
		}
	}
	return nil
}

func (e *Engine) pollCatalogs(ctx context.Context) {
	ticker := time.NewTicker(catalogPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshCatalogs(ctx); err != nil && ctx.Err() == nil {
				e.Log.Warn().Err(err).Msg("Catalog refresh failed")
			}
		}
	}
}
