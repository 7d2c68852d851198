package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/status"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	meta, _ := json.Marshal(tx.Metadata)
	if tx.Metadata == nil {
		meta = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, direction, amount, currency, status,
			provider, op_type, reference_id, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(30,8), $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.UserID, string(tx.Direction), tx.Amount.String(), tx.Currency,
		string(tx.Status), nullString(tx.Provider), tx.OpType,
		nullString(tx.ReferenceID), meta, tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

const txColumns = `id, user_id, direction, amount, currency, status,
		provider, op_type, reference_id, metadata, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

// ApplyTransition is the one write path that touches canonical status:
// an optimistic status swap plus the history insert, in one database
// transaction so neither ever exists without the other.
func (p *PostgresStore) ApplyTransition(ctx context.Context, id string, from, to status.Status, entry *HistoryEntry) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	var metaPatch []byte
	if len(entry.Metadata) > 0 {
		metaPatch, _ = json.Marshal(entry.Metadata)
	} else {
		metaPatch = []byte("{}")
	}

	result, err := dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, metadata = metadata || $2::jsonb, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(to), metaPatch, time.Now(), id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is missing or its status moved under us.
		var exists bool
		if err := dbTx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrStaleStatus
	}

	entryMeta, _ := json.Marshal(entry.Metadata)
	if entry.Metadata == nil {
		entryMeta = []byte("{}")
	}
	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO transaction_status_history (
			transaction_id, from_status, to_status, actor, reason, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.TransactionID, string(entry.FromStatus), string(entry.ToStatus),
		string(entry.Actor), nullString(entry.Reason), entryMeta, entry.CreatedAt,
	); err != nil {
		return err
	}

	return dbTx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, id string, limit int) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_id, from_status, to_status, actor, reason, metadata, created_at
		FROM transaction_status_history
		WHERE transaction_id = $1
		ORDER BY seq DESC
		LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var (
			from, to, actor string
			reason          sql.NullString
			meta            []byte
		)
		if err := rows.Scan(&e.TransactionID, &from, &to, &actor, &reason, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus = status.Status(from)
		e.ToStatus = status.Status(to)
		e.Actor = Actor(actor)
		e.Reason = reason.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByStatus(ctx context.Context, s status.Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(s), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE reference_id = $1
		ORDER BY created_at DESC`, referenceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		direction, st string
		amount        string
		prov, ref     sql.NullString
		meta          []byte
	)
	err := s.Scan(
		&tx.ID, &tx.UserID, &direction, &amount, &tx.Currency, &st,
		&prov, &tx.OpType, &ref, &meta, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Direction = Direction(direction)
	tx.Status = status.Status(st)
	tx.Provider = prov.String
	tx.ReferenceID = ref.String
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &tx.Metadata)
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
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

var _ Store = (*PostgresStore)(nil)
