package payments

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is the durable Store backed by Postgres.
//
// Schema:
//
//	payments(id uuid pk, payer uuid, sponsor uuid, subsidy_limit bigint,
//	         status smallint, base_amount bigint, extra_amount bigint,
//	         refund_amount bigint, confirmed_amount bigint,
//	         cashback_amount bigint, cashback_rate int, cashback_nonce bigint,
//	         revocation_count int, created_at timestamptz, updated_at timestamptz)
//	balances(class smallint, account uuid, balance bigint, primary key (class, account))
//	cancellation_flags(kind smallint, ref text, created_at timestamptz, primary key (kind, ref))
type PostgresStore struct {
	db dbtx
}

// dbtx is the subset of *sql.DB and *sql.Tx the store uses.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const (
	flagKindReversal   = 0
	flagKindRevocation = 1
)

// NewPostgresStore creates a Store over an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	var p Payment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, payer, sponsor, subsidy_limit, status, base_amount, extra_amount,
		        refund_amount, confirmed_amount, cashback_amount, cashback_rate,
		        cashback_nonce, revocation_count, created_at, updated_at
		 FROM payments WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Payer, &p.Sponsor, &p.SubsidyLimit, &p.Status, &p.BaseAmount,
		&p.ExtraAmount, &p.RefundAmount, &p.ConfirmedAmount, &p.CashbackAmount,
		&p.CashbackRate, &p.CashbackNonce, &p.RevocationCount, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return &p, nil
}

func (s *PostgresStore) Save(ctx context.Context, p *Payment) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, payer, sponsor, subsidy_limit, status, base_amount,
		                       extra_amount, refund_amount, confirmed_amount,
		                       cashback_amount, cashback_rate, cashback_nonce,
		                       revocation_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		 ON CONFLICT (id) DO UPDATE SET
		   payer = EXCLUDED.payer, sponsor = EXCLUDED.sponsor,
		   subsidy_limit = EXCLUDED.subsidy_limit, status = EXCLUDED.status,
		   base_amount = EXCLUDED.base_amount, extra_amount = EXCLUDED.extra_amount,
		   refund_amount = EXCLUDED.refund_amount,
		   confirmed_amount = EXCLUDED.confirmed_amount,
		   cashback_amount = EXCLUDED.cashback_amount,
		   cashback_rate = EXCLUDED.cashback_rate,
		   cashback_nonce = EXCLUDED.cashback_nonce,
		   revocation_count = EXCLUDED.revocation_count,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.Payer, p.Sponsor, p.SubsidyLimit, p.Status, p.BaseAmount,
		p.ExtraAmount, p.RefundAmount, p.ConfirmedAmount, p.CashbackAmount,
		p.CashbackRate, p.CashbackNonce, p.RevocationCount, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, class BalanceClass, account uuid.UUID, delta int64) error {
	if delta >= 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO balances (class, account, balance) VALUES ($1, $2, $3)
			 ON CONFLICT (class, account) DO UPDATE SET balance = balances.balance + $3`,
			class, account, delta,
		)
		if err != nil {
			return fmt.Errorf("failed to adjust balance: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE balances SET balance = balance + $3
		 WHERE class = $1 AND account = $2 AND balance + $3 >= 0`,
		class, account, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrBalanceUnderflow
	}
	return nil
}

func (s *PostgresStore) AccountBalance(ctx context.Context, class BalanceClass, account uuid.UUID) (uint64, error) {
	var balance uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(balance), 0) FROM balances WHERE class = $1 AND account = $2`,
		class, account,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to get account balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) TotalBalance(ctx context.Context, class BalanceClass) (uint64, error) {
	var total uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM balances WHERE class = $1`,
		class,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total balance: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) SetReversalFlag(ctx context.Context, ref string) error {
	return s.setFlag(ctx, flagKindReversal, ref)
}

func (s *PostgresStore) SetRevocationFlag(ctx context.Context, ref string) error {
	return s.setFlag(ctx, flagKindRevocation, ref)
}

func (s *PostgresStore) setFlag(ctx context.Context, kind int, ref string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cancellation_flags (kind, ref, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (kind, ref) DO NOTHING`,
		kind, ref, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set cancellation flag: %w", err)
	}
	return nil
}

func (s *PostgresStore) WasReversed(ctx context.Context, ref string) (bool, error) {
	return s.hasFlag(ctx, flagKindReversal, ref)
}

func (s *PostgresStore) WasRevoked(ctx context.Context, ref string) (bool, error) {
	return s.hasFlag(ctx, flagKindRevocation, ref)
}

func (s *PostgresStore) hasFlag(ctx context.Context, kind int, ref string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM cancellation_flags WHERE kind = $1 AND ref = $2)`,
		kind, ref,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query cancellation flag: %w", err)
	}
	return exists, nil
}

// WithinTx runs fn against a store view bound to one database
// transaction, committing on success and rolling back otherwise.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	db, ok := s.db.(*sql.DB)
	if !ok {
		// Already inside a transaction; nest flatly.
		return fn(s)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
