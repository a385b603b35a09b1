// Package app holds the start-up glue shared by the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"routeline/internal/config"
	"routeline/internal/repo"
)

// Config sources reported by ResolveConfig.
const (
	SourceDatabase = "database"
	SourceFile     = "file"
	SourceDefault  = "default"
)

// ResolveConfig returns the effective configuration. The copy stored in the database
// wins; otherwise routeline.yml in the workspace is used, then the built-in defaults.
// Whatever is chosen on first start is seeded into the database.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, string, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, SourceDatabase, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, "", fmt.Errorf("load stored config: %w", err)
	}
	source := SourceFile
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, "", fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if cfg == nil {
		cfg = config.Default()
		source = SourceDefault
	}
	if err := seedConfig(ctx, r, cfg); err != nil {
		return nil, "", err
	}
	return cfg, source, nil
}

func seedConfig(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertConfigTx(ctx, tx, cfg, time.Now()); err != nil {
		return fmt.Errorf("seed config: %w", err)
	}
	return tx.Commit()
}
