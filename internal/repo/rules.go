package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"routeline/internal/domain"
)

const ruleColumns = `id,name,action_type,conditions_json,routing,notify_owners,enabled,priority,created_at,updated_at`

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.RoutingRule) error {
	conds, err := marshalConditions(rule.Conditions)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.Name, string(rule.ActionType), conds, string(rule.Routing), boolInt(rule.NotifyOwners), boolInt(rule.Enabled),
		rule.Priority, domain.FormatTime(rule.CreatedAt), domain.FormatTime(rule.UpdatedAt))
	return err
}

func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rule domain.RoutingRule) error {
	conds, err := marshalConditions(rule.Conditions)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE rules SET name=?, action_type=?, conditions_json=?, routing=?, notify_owners=?, enabled=?, priority=?, updated_at=? WHERE id=?`,
		rule.Name, string(rule.ActionType), conds, string(rule.Routing), boolInt(rule.NotifyOwners), boolInt(rule.Enabled), rule.Priority,
		domain.FormatTime(rule.UpdatedAt), rule.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRuleTx(ctx context.Context, tx *sql.Tx, id string) (domain.RoutingRule, error) {
	rule, err := scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	return rule, err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.RoutingRule, error) {
	return r.GetRuleTx(ctx, nil, id)
}

// ListRules returns every rule in evaluation order.
func (r Repo) ListRules(ctx context.Context) ([]domain.RoutingRule, error) {
	return r.ListRulesTx(ctx, nil)
}

func (r Repo) ListRulesTx(ctx context.Context, tx *sql.Tx) ([]domain.RoutingRule, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoutingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func scanRule(row rowScanner) (domain.RoutingRule, error) {
	var rule domain.RoutingRule
	var actionType, conds, routing, createdAt, updatedAt string
	var notify, enabled int
	if err := row.Scan(&rule.ID, &rule.Name, &actionType, &conds, &routing, &notify, &enabled, &rule.Priority, &createdAt, &updatedAt); err != nil {
		return rule, err
	}
	rule.ActionType = domain.ActionType(actionType)
	rule.Routing = domain.RoutingDecision(routing)
	rule.NotifyOwners = notify == 1
	rule.Enabled = enabled == 1
	rule.CreatedAt = parseTS(createdAt)
	rule.UpdatedAt = parseTS(updatedAt)
	rule.Conditions = []domain.RuleCondition{}
	if err := json.Unmarshal([]byte(conds), &rule.Conditions); err != nil {
		return rule, err
	}
	return rule, nil
}

func marshalConditions(conds []domain.RuleCondition) (string, error) {
	if conds == nil {
		conds = []domain.RuleCondition{}
	}
	return marshalJSON(conds)
}
