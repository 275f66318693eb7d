package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	pkgerrors "courier/pkg/errors"
)

// Repository is the rule store. GetEnabled is the resolution read path; it
// must distinguish "no enabled rule for this pattern" (pkgerrors.ErrNotFound)
// from "store unavailable" (any other error), because the resolver's degraded
// mode depends on that distinction.
type Repository interface {
	GetEnabled(ctx context.Context, pattern string) (*RoutingRule, error)

	Create(ctx context.Context, rule *RoutingRule) error
	Get(ctx context.Context, id string) (*RoutingRule, error)
	List(ctx context.Context) ([]RoutingRule, error)
	Update(ctx context.Context, rule *RoutingRule) error
	Delete(ctx context.Context, id string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetEnabled(ctx context.Context, pattern string) (*RoutingRule, error) {
	query := `
		SELECT id, pattern, action, target, enabled, description, created_at, updated_at
		FROM routing_rules
		WHERE pattern = $1 AND enabled = true
	`

	row := r.db.QueryRowContext(ctx, query, pattern)

	var rule RoutingRule
	err := row.Scan(
		&rule.ID, &rule.Pattern, &rule.Action, &rule.Target,
		&rule.Enabled, &rule.Description, &rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("pattern", pattern)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rule for pattern %q: %w", pattern, err)
	}

	return &rule, nil
}

func (r *PostgresRepository) Create(ctx context.Context, rule *RoutingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO routing_rules (id, pattern, action, target, enabled, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Pattern, string(rule.Action), rule.Target,
		rule.Enabled, rule.Description, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" {
				return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("an enabled rule for pattern '%s' already exists", rule.Pattern))
			}
		}
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint") {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("an enabled rule for pattern '%s' already exists", rule.Pattern))
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*RoutingRule, error) {
	query := `
		SELECT id, pattern, action, target, enabled, description, created_at, updated_at
		FROM routing_rules
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	var rule RoutingRule
	err := row.Scan(
		&rule.ID, &rule.Pattern, &rule.Action, &rule.Target,
		&rule.Enabled, &rule.Description, &rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return &rule, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]RoutingRule, error) {
	query := `
		SELECT id, pattern, action, target, enabled, description, created_at, updated_at
		FROM routing_rules
		ORDER BY pattern ASC, created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var result []RoutingRule
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		var rule RoutingRule
		if err := rows.Scan(
			&rule.ID, &rule.Pattern, &rule.Action, &rule.Target,
			&rule.Enabled, &rule.Description, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		result = append(result, rule)
	}

	return result, nil
}

func (r *PostgresRepository) Update(ctx context.Context, rule *RoutingRule) error {
	rule.UpdatedAt = time.Now()

	query := `
		UPDATE routing_rules
		SET pattern = $1, action = $2, target = $3, enabled = $4, description = $5, updated_at = $6
		WHERE id = $7
	`

	res, err := r.db.ExecContext(ctx, query,
		rule.Pattern, string(rule.Action), rule.Target,
		rule.Enabled, rule.Description, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("an enabled rule for pattern '%s' already exists", rule.Pattern))
		}
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", rule.ID)
	}

	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM routing_rules WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}

	return nil
}
