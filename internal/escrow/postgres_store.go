package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow aggregates in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer_id, seller_id, amount, currency, status,
			deposit_proof, resolution, reason,
			confirmed_at, resolved_at, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(28,8), $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14
		)`,
		e.ID, e.BuyerID, e.SellerID, e.Amount.String(), e.Currency, string(e.Status),
		nullString(e.DepositProof), nullString(e.Resolution), nullString(e.Reason),
		nullTime(e.ConfirmedAt), nullTime(e.ResolvedAt), e.ExpiresAt, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, buyer_id, seller_id, amount, currency, status,
		       deposit_proof, resolution, reason,
		       confirmed_at, resolved_at, expires_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, deposit_proof = $2, resolution = $3, reason = $4,
			confirmed_at = $5, resolved_at = $6, updated_at = $7
		WHERE id = $8`,
		string(e.Status), nullString(e.DepositProof), nullString(e.Resolution), nullString(e.Reason),
		nullTime(e.ConfirmedAt), nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('created', 'payment_pending', 'payment_confirmed',
		                 'awaiting_seller', 'pending_seller', 'pending_deposit')
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount       string
		status       string
		depositProof sql.NullString
		resolution   sql.NullString
		reason       sql.NullString
		confirmedAt  sql.NullTime
		resolvedAt   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &amount, &e.Currency, &status,
		&depositProof, &resolution, &reason,
		&confirmedAt, &resolvedAt, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.DepositProof = depositProof.String
	e.Resolution = resolution.String
	e.Reason = reason.String
	if confirmedAt.Valid {
		e.ConfirmedAt = &confirmedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
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
