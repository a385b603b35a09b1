package repo

import (
	"context"
	"database/sql"
	"time"

	"routeline/internal/domain"
)

// Catalogs whose in-memory snapshots are republished when their version moves.
const (
	CatalogRules     = "rules"
	CatalogOwnership = "ownership"
)

func catalogKey(name string) string { return "catalog_version." + name }

// CatalogVersions holds the committed edit counters of the shared catalogs.
type CatalogVersions struct {
	Rules     int64
	Ownership int64
}

// BumpCatalogVersion increments the named catalog version inside tx and returns the
// new value. Writers in other processes see it once tx commits.
func (r Repo) BumpCatalogVersion(ctx context.Context, tx *sql.Tx, name string, now time.Time) (int64, error) {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES (?,'1',?)
ON CONFLICT(key) DO UPDATE SET value=CAST(CAST(value AS INTEGER)+1 AS TEXT), updated_at=excluded.updated_at`,
		catalogKey(name), domain.FormatTime(now)); err != nil {
		return 0, err
	}
	var v int64
	err := q.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM settings WHERE key=?`, catalogKey(name)).Scan(&v)
	return v, err
}

// GetCatalogVersions reads both counters in one query. A catalog never edited is 0.
func (r Repo) GetCatalogVersions(ctx context.Context) (CatalogVersions, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key, CAST(value AS INTEGER) FROM settings WHERE key IN (?,?)`,
		catalogKey(CatalogRules), catalogKey(CatalogOwnership))
	if err != nil {
		return CatalogVersions{}, err
	}
	defer rows.Close()
	var out CatalogVersions
	for rows.Next() {
		var key string
		var v int64
		if err := rows.Scan(&key, &v); err != nil {
			return CatalogVersions{}, err
		}
		switch key {
		case catalogKey(CatalogRules):
			out.Rules = v
		case catalogKey(CatalogOwnership):
			out.Ownership = v
		}
	}
	return out, rows.Err()
}
