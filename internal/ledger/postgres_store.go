package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/idgen"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID, currency string) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT available, updated_at FROM ledger_balances
		WHERE user_id = $1 AND currency = $2`, userID, currency)

	bal := &Balance{UserID: userID, Currency: currency}
	var available string
	err := row.Scan(&available, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		bal.Available = decimal.Zero
		bal.UpdatedAt = time.Now()
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	bal.Available, err = decimal.NewFromString(available)
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit upserts the balance and appends the entry in one transaction.
// The unique index on entry references turns a replay into
// ErrDuplicateReference instead of a double credit.
func (p *PostgresStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error {
	return p.move(ctx, userID, amount, currency, reference, description, "credit")
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error {
	return p.move(ctx, userID, amount.Neg(), currency, reference, description, "debit")
}

func (p *PostgresStore) move(ctx context.Context, userID string, delta decimal.Decimal, currency, reference, description, entryType string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (user_id, currency, available, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,8), $4)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET available = ledger_balances.available + $3::NUMERIC(30,8), updated_at = $4`,
		userID, currency, delta.String(), time.Now(),
	); err != nil {
		return err
	}

	// Negative balances are rejected by the table check constraint; the
	// service layer checks first, this is the backstop.
	var ref sql.NullString
	if reference != "" {
		ref = sql.NullString{String: reference, Valid: true}
	}
	amount := delta.Abs()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, currency, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(30,8), $5, $6, $7, $8)`,
		idgen.WithPrefix("le_"), userID, entryType, amount.String(), currency, ref, description, time.Now(),
	); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, currency, reference, description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var amount string
		var ref, desc sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &amount, &e.Currency, &ref, &desc, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}
		e.Reference = ref.String
		e.Description = desc.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE reference = $1)`, reference).Scan(&exists)
	return exists, err
}

var _ Store = (*PostgresStore)(nil)
