package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeline/internal/config"
	"routeline/internal/db"
	"routeline/internal/migrate"
	"routeline/internal/repo"
)

func openRepo(t *testing.T, workspace string) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestResolveConfigSeedsDefaults(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t, t.TempDir())

	cfg, source, err := ResolveConfig(ctx, t.TempDir(), r)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, source)
	assert.Equal(t, "UTC", cfg.Routing.Timezone)

	_, source, err = ResolveConfig(ctx, t.TempDir(), r)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, source)
}

func TestResolveConfigPrefersWorkspaceFileOnFirstStart(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	r := openRepo(t, workspace)
	yml := "routing:\n  timezone: Europe/Paris\nblast_radius:\n  high_risk_services: [\"payments-*\"]\n"
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(yml), 0o644))

	cfg, source, err := ResolveConfig(ctx, workspace, r)
	require.NoError(t, err)
	assert.Equal(t, SourceFile, source)
	assert.Equal(t, "Europe/Paris", cfg.Routing.Timezone)
	assert.Equal(t, []string{"payments-*"}, cfg.BlastRadius.HighRiskServices)

	// Later edits to the file do not override the stored copy.
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte("routing:\n  timezone: UTC\n"), 0o644))
	cfg, source, err = ResolveConfig(ctx, workspace, r)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, source)
	assert.Equal(t, "Europe/Paris", cfg.Routing.Timezone)
}

func TestResolveConfigRejectsInvalidFile(t *testing.T) {
	workspace := t.TempDir()
	r := openRepo(t, workspace)
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte("routing:\n  timezone: Mars/Olympus\n"), 0o644))

	_, _, err := ResolveConfig(context.Background(), workspace, r)
	require.Error(t, err)
}
