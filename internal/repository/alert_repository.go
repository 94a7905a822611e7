package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"prodintel/internal/model"
)

const foreignKeyViolation = "23503"

// AlertRepository keeps alert rules. It goes through database/sql so the
// rule service can run against any driver; production uses lib/pq.
type AlertRepository struct {
	DB *sql.DB
}

func (r *AlertRepository) CreateRule(ctx context.Context, rule model.AlertRule) error {
	var exists bool
	err := r.DB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", rule.ProductID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check product %s: %w", rule.ProductID, err)
	}
	if !exists {
		return fmt.Errorf("product %s: %w", rule.ProductID, ErrNotFound)
	}

	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO alert_rules (id, product_id, kind, threshold, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rule.ID, rule.ProductID, string(rule.Kind), nullDecimal(rule.Threshold), rule.Active, rule.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		// product deleted after the existence check
		return fmt.Errorf("product %s: %w", rule.ProductID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (r *AlertRepository) GetRule(ctx context.Context, id uuid.UUID) (*model.AlertRule, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, product_id, kind, threshold, active, created_at
		FROM alert_rules WHERE id = $1
	`, id)
	rule, err := scanRule(row)
	if IsNotFound(err) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *AlertRepository) ListRules(ctx context.Context, activeOnly bool) ([]model.AlertRule, error) {
	query := `SELECT id, product_id, kind, threshold, active, created_at FROM alert_rules`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var list []model.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rule)
	}
	return list, rows.Err()
}

func (r *AlertRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.update(ctx, id, `UPDATE alert_rules SET active = $1 WHERE id = $2`, active, id)
}

func (r *AlertRepository) SetThreshold(ctx context.Context, id uuid.UUID, threshold *decimal.Decimal) error {
	return r.update(ctx, id, `UPDATE alert_rules SET threshold = $1 WHERE id = $2`, nullDecimal(threshold), id)
}

func (r *AlertRepository) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, `DELETE FROM alert_rules WHERE id = $1`, id)
}

func (r *AlertRepository) update(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rule %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (model.AlertRule, error) {
	var (
		rule      model.AlertRule
		kind      string
		threshold decimal.NullDecimal
	)
	if err := s.Scan(&rule.ID, &rule.ProductID, &kind, &threshold, &rule.Active, &rule.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rule, err
		}
		return rule, fmt.Errorf("scan rule: %w", err)
	}
	rule.Kind = model.AlertKind(kind)
	if threshold.Valid {
		t := threshold.Decimal
		rule.Threshold = &t
	}
	return rule, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
