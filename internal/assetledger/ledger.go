// Package assetledger is a Postgres-backed implementation of the value
// ledger the settlement orchestrator transfers against: account balances
// with transfer/transferFrom semantics and spender allowances, plus an
// audit entry per movement.
package assetledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger holds asset balances in Postgres.
//
// Schema:
//
//	asset_accounts(id uuid pk, balance bigint, version int,
//	               created_at timestamptz, updated_at timestamptz)
//	asset_allowances(owner uuid, spender uuid, unlimited bool,
//	                 primary key (owner, spender))
//	asset_entries(id uuid pk, from_account uuid, to_account uuid,
//	              amount bigint, reference text, created_at timestamptz)
type Ledger struct {
	db          *sql.DB
	selfAccount uuid.UUID
}

// Entry is one audit record of a value movement.
type Entry struct {
	ID          uuid.UUID
	FromAccount uuid.UUID
	ToAccount   uuid.UUID
	Amount      uint64
	Reference   string
	CreatedAt   time.Time
}

// NewLedger creates a ledger whose Transfer debits selfAccount.
func NewLedger(db *sql.DB, selfAccount uuid.UUID) *Ledger {
	return &Ledger{db: db, selfAccount: selfAccount}
}

// Transfer moves amount from the engine's own account to another. ref
// is stamped on the audit entry.
func (l *Ledger) Transfer(ctx context.Context, to uuid.UUID, amount uint64, ref string) error {
	return l.move(ctx, l.selfAccount, to, amount, ref, false)
}

// TransferFrom moves amount between two third-party accounts, requiring
// an allowance when the source is not the engine's own account.
func (l *Ledger) TransferFrom(ctx context.Context, from, to uuid.UUID, amount uint64, ref string) error {
	return l.move(ctx, from, to, amount, ref, from != l.selfAccount)
}

// BalanceOf returns the balance of an account, zero when unknown.
func (l *Ledger) BalanceOf(ctx context.Context, account uuid.UUID) (uint64, error) {
	var balance uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(balance), 0) FROM asset_accounts WHERE id = $1`,
		account,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Approve grants spender an unlimited allowance over the engine account.
func (l *Ledger) Approve(ctx context.Context, spender uuid.UUID) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO asset_allowances (owner, spender, unlimited) VALUES ($1, $2, true)
		 ON CONFLICT (owner, spender) DO UPDATE SET unlimited = true`,
		l.selfAccount, spender,
	)
	if err != nil {
		return fmt.Errorf("failed to approve spender: %w", err)
	}
	return nil
}

func (l *Ledger) move(ctx context.Context, from, to uuid.UUID, amount uint64, ref string, checkAllowance bool) error {
	if amount == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if checkAllowance {
		var unlimited bool
		err := tx.QueryRowContext(ctx,
			`SELECT unlimited FROM asset_allowances WHERE owner = $1 AND spender = $2`,
			from, l.selfAccount,
		).Scan(&unlimited)
		if err == sql.ErrNoRows || (err == nil && !unlimited) {
			return fmt.Errorf("no allowance from %s", from)
		}
		if err != nil {
			return fmt.Errorf("failed to check allowance: %w", err)
		}
	}

	// Lock the source row before reading so concurrent transfers cannot
	// both pass the balance check.
	var balance uint64
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT balance, version FROM asset_accounts WHERE id = $1 FOR UPDATE`,
		from,
	).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return fmt.Errorf("insufficient balance")
	}
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	if balance < amount {
		return fmt.Errorf("insufficient balance")
	}

	now := time.Now()

	_, err = tx.ExecContext(ctx,
		`UPDATE asset_accounts SET balance = balance - $1, updated_at = $2, version = version + 1
		 WHERE id = $3`,
		amount, now, from,
	)
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO asset_accounts (id, balance, version, created_at, updated_at)
		 VALUES ($1, $2, 1, $3, $3)
		 ON CONFLICT (id) DO UPDATE SET balance = asset_accounts.balance + $2,
		   updated_at = $3, version = asset_accounts.version + 1`,
		to, amount, now,
	)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO asset_entries (id, from_account, to_account, amount, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), from, to, amount, ref, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// Mint credits an account outside of a transfer, used for provisioning
// test and staging environments.
func (l *Ledger) Mint(ctx context.Context, account uuid.UUID, amount uint64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO asset_accounts (id, balance, version, created_at, updated_at)
		 VALUES ($1, $2, 1, $3, $3)
		 ON CONFLICT (id) DO UPDATE SET balance = asset_accounts.balance + $2,
		   updated_at = $3, version = asset_accounts.version + 1`,
		account, amount, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to mint: %w", err)
	}
	return nil
}

// Entries returns the most recent audit entries touching an account.
func (l *Ledger) Entries(ctx context.Context, account uuid.UUID, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, from_account, to_account, amount, COALESCE(reference, ''), created_at
		 FROM asset_entries WHERE from_account = $1 OR to_account = $1
		 ORDER BY created_at DESC LIMIT $2`,
		account, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FromAccount, &e.ToAccount, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
