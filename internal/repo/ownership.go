package repo

import (
	"context"
	"database/sql"
	"time"

	"routeline/internal/domain"
)

// ReplaceOwnership swaps the whole ownership table for a full sync.
func (r Repo) ReplaceOwnership(ctx context.Context, tx *sql.Tx, services []domain.ServiceOwnership, now time.Time) error {
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM service_ownership`); err != nil {
		return err
	}
	for _, s := range services {
		if err := r.UpsertOwnership(ctx, tx, s, now); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpsertOwnership(ctx context.Context, tx *sql.Tx, s domain.ServiceOwnership, now time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO service_ownership(service,team,primary_owner,secondary_owners_json,on_call,channel,dependencies_json,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(service) DO UPDATE SET team=excluded.team, primary_owner=excluded.primary_owner, secondary_owners_json=excluded.secondary_owners_json,
on_call=excluded.on_call, channel=excluded.channel, dependencies_json=excluded.dependencies_json, updated_at=excluded.updated_at`,
		s.Service, nullable(s.Team), nullable(s.PrimaryOwner), stringList(s.SecondaryOwners), nullable(s.OnCall), nullable(s.Channel),
		stringList(s.Dependencies), domain.FormatTime(now))
	return err
}

// DeleteOwnership removes a service; deleting an absent service is not an error.
func (r Repo) DeleteOwnership(ctx context.Context, tx *sql.Tx, service string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM service_ownership WHERE service=?`, service)
	return err
}

func (r Repo) ListOwnership(ctx context.Context) ([]domain.ServiceOwnership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT service,COALESCE(team,''),COALESCE(primary_owner,''),secondary_owners_json,COALESCE(on_call,''),COALESCE(channel,''),dependencies_json FROM service_ownership ORDER BY service`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceOwnership
	for rows.Next() {
		var s domain.ServiceOwnership
		var secondary, deps string
		if err := rows.Scan(&s.Service, &s.Team, &s.PrimaryOwner, &secondary, &s.OnCall, &s.Channel, &deps); err != nil {
			return nil, err
		}
		s.SecondaryOwners = parseStringList(secondary)
		s.Dependencies = parseStringList(deps)
		res = append(res, s)
	}
	return res, rows.Err()
}
