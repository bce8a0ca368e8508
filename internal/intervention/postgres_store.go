package intervention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists queue items in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const itemColumns = `id, transaction_id, reason, last_error, retry_count,
	created_at, resolved_at, resolution, operator`

func (s *PostgresStore) Create(ctx context.Context, item *Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interventions (id, transaction_id, reason, last_error, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.TransactionID, item.Reason, item.LastError, item.RetryCount, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create intervention item: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM interventions WHERE id = $1`, id)
	return scanItem(row)
}

func (s *PostgresStore) PendingByTransaction(ctx context.Context, transactionID string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM interventions
		 WHERE transaction_id = $1 AND resolved_at IS NULL`, transactionID)
	return scanItem(row)
}

func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM interventions
		 WHERE resolved_at IS NULL ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending interventions: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) Resolve(ctx context.Context, id string, resolution Resolution, operator string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interventions
		SET resolved_at = NOW(), resolution = $2, operator = $3
		WHERE id = $1 AND resolved_at IS NULL`,
		id, string(resolution), operator)
	if err != nil {
		return fmt.Errorf("failed to resolve intervention item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or already resolved; disambiguate for the caller.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interventions WHERE resolved_at IS NULL`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*Item, error) {
	var item Item
	var lastError, resolution, operator sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&item.ID, &item.TransactionID, &item.Reason, &lastError,
		&item.RetryCount, &item.CreatedAt, &resolvedAt, &resolution, &operator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan intervention item: %w", err)
	}

	item.LastError = lastError.String
	item.Resolution = Resolution(resolution.String)
	item.Operator = operator.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		item.ResolvedAt = &t
	}
	return &item, nil
}

var _ Store = (*PostgresStore)(nil)
