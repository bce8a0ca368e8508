package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `transaction_id, user_id, idempotency_key, type, status,
	       amount, crypto_amount, chain, token_symbol,
	       crypto_tx_hash, mpesa_transaction_id, mpesa_receipt_number,
	       metadata, retry_count, last_retry_at,
	       created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			transaction_id, user_id, idempotency_key, type, status,
			amount, crypto_amount, chain, token_symbol,
			crypto_tx_hash, mpesa_transaction_id, mpesa_receipt_number,
			metadata, retry_count, last_retry_at,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,2), $7::NUMERIC(36,18), $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17, $18
		)`,
		rec.TransactionID, nullString(rec.UserID), nullString(rec.IdempotencyKey),
		string(rec.Type), string(rec.Status),
		rec.Amount, rec.CryptoAmount, rec.Chain, rec.TokenSymbol,
		nullString(rec.CryptoTransactionHash), nullString(rec.MpesaTransactionID), nullString(rec.MpesaReceiptNumber),
		metadataJSON, rec.RetryCount, nullTime(rec.LastRetryAt),
		rec.CreatedAt, rec.UpdatedAt, nullTime(rec.CompletedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM escrows WHERE transaction_id = $1`, id)
	return scanRecordRow(row)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM escrows WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key)
	return scanRecordRow(row)
}

func (p *PostgresStore) GetByGatewayRef(ctx context.Context, ref string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM escrows
		 WHERE mpesa_transaction_id = $1 OR mpesa_receipt_number = $1`, ref)
	return scanRecordRow(row)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, expect Status, mutate func(*Record) error) error {
	return p.mutateTx(ctx, id, expect, mutate, false)
}

func (p *PostgresStore) Correct(ctx context.Context, id string, expect Status, mutate func(*Record) error) error {
	return p.mutateTx(ctx, id, expect, mutate, true)
}

// mutateTx implements the compare-and-swap inside a transaction. The row is
// locked FOR UPDATE so two concurrent writers serialize; the status check in
// applyMutation then rejects the one that read a stale status.
func (p *PostgresStore) mutateTx(ctx context.Context, id string, expect Status, mutate func(*Record) error, correction bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM escrows WHERE transaction_id = $1 FOR UPDATE`, id)
	rec, err := scanRecordRow(row)
	if err != nil {
		return err
	}

	if err := applyMutation(rec, expect, mutate, correction); err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, amount = $2, crypto_amount = $3,
			crypto_tx_hash = $4, mpesa_transaction_id = $5, mpesa_receipt_number = $6,
			metadata = $7, retry_count = $8, last_retry_at = $9,
			updated_at = $10, completed_at = $11
		WHERE transaction_id = $12 AND status = $13`,
		string(rec.Status), rec.Amount, rec.CryptoAmount,
		nullString(rec.CryptoTransactionHash), nullString(rec.MpesaTransactionID), nullString(rec.MpesaReceiptNumber),
		metadataJSON, rec.RetryCount, nullTime(rec.LastRetryAt),
		rec.UpdatedAt, nullTime(rec.CompletedAt),
		id, string(expect),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Row vanished or status changed between SELECT and UPDATE; with
		// FOR UPDATE this should not happen, but treat it as a conflict.
		return ErrStatusConflict
	}

	return tx.Commit()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + recordColumns + `
		FROM escrows
		WHERE user_id = $1`
	args := []interface{}{userID}
	if o.cursor != nil {
		query += ` AND (created_at, transaction_id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, transaction_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + recordColumns + ` FROM escrows WHERE 1=1`
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		query += ` AND user_id = ` + arg(filter.UserID)
	}
	switch {
	case filter.Status != "":
		query += ` AND status = ` + arg(string(filter.Status))
	case filter.NonTerminal && !filter.TerminalSince.IsZero():
		query += ` AND (status IN ('pending','reserved','processing') OR updated_at >= ` + arg(filter.TerminalSince) + `)`
	case filter.NonTerminal:
		query += ` AND status IN ('pending','reserved','processing')`
	case !filter.TerminalSince.IsZero():
		query += ` AND status IN ('completed','failed','error') AND updated_at >= ` + arg(filter.TerminalSince)
	}
	query += ` ORDER BY created_at ASC LIMIT ` + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecordRow(s scanner) (*Record, error) {
	rec := &Record{}
	var (
		userID       sql.NullString
		idemKey      sql.NullString
		recType      string
		status       string
		cryptoHash   sql.NullString
		mpesaTxID    sql.NullString
		mpesaReceipt sql.NullString
		metadataJSON []byte
		lastRetryAt  sql.NullTime
		completedAt  sql.NullTime
	)

	err := s.Scan(
		&rec.TransactionID, &userID, &idemKey, &recType, &status,
		&rec.Amount, &rec.CryptoAmount, &rec.Chain, &rec.TokenSymbol,
		&cryptoHash, &mpesaTxID, &mpesaReceipt,
		&metadataJSON, &rec.RetryCount, &lastRetryAt,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.UserID = userID.String
	rec.IdempotencyKey = idemKey.String
	rec.Type = Type(recType)
	rec.Status = Status(status)
	rec.CryptoTransactionHash = cryptoHash.String
	rec.MpesaTransactionID = mpesaTxID.String
	rec.MpesaReceiptNumber = mpesaReceipt.String
	if lastRetryAt.Valid {
		rec.LastRetryAt = &lastRetryAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &rec.Metadata)
	}

	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
