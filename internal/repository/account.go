// Package repository provides PostgreSQL data access for the ledger, matches
// and the sequence library.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/ledger"
	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

// AccountRepository persists credit accounts and their ledger events.
// It implements ledger.Store.
type AccountRepository struct {
	pool  *pgxpool.Pool
	grant decimal.Decimal
}

// NewAccountRepository creates a new AccountRepository that opens accounts with grant.
func NewAccountRepository(pool *pgxpool.Pool, grant decimal.Decimal) *AccountRepository {
	return &AccountRepository{pool: pool, grant: grant}
}

var _ ledger.Store = (*AccountRepository)(nil)

// Apply locks the account row, runs fn and saves the new state with its event
// in one transaction.
func (r *AccountRepository) Apply(ctx context.Context, userID, matchID string, fn ledger.Mutation) (*model.CreditAccount, *model.LedgerEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, storeError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.ensure(ctx, tx, userID); err != nil {
		return nil, nil, err
	}

	acct, err := r.lockAccount(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}

	var state ledger.MatchState
	if matchID != "" {
		state, err = r.matchState(ctx, tx, userID, matchID)
		if err != nil {
			return nil, nil, err
		}
	}

	ev, err := fn(acct, state)
	if err != nil {
		return nil, nil, err
	}

	const update = `
		UPDATE credit_accounts
		SET balance = $2, total_granted = $3, total_spent = $4, total_earned = $5,
		    updated_at = $6, last_transaction_at = $7
		WHERE user_id = $1
	`
	if _, err := tx.Exec(ctx, update, acct.UserID, acct.Balance, acct.TotalGranted,
		acct.TotalSpent, acct.TotalEarned, acct.UpdatedAt, acct.LastTransactionAt); err != nil {
		return nil, nil, storeError("update account", err)
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, storeError("commit ledger transaction", err)
	}
	return acct, ev, nil
}

// GetOrCreate returns the account, opening it with the initial grant if absent.
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID string) (*model.CreditAccount, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.ensure(ctx, tx, userID); err != nil {
		return nil, err
	}

	const query = `
		SELECT user_id, balance, total_granted, total_spent, total_earned,
		       created_at, updated_at, last_transaction_at
		FROM credit_accounts
		WHERE user_id = $1
	`
	acct, err := scanAccount(tx.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, storeError("get account", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("commit account creation", err)
	}
	return acct, nil
}

// History returns up to limit events for userID, newest first.
func (r *AccountRepository) History(ctx context.Context, userID string, limit int) ([]model.LedgerEvent, error) {
	const query = `
		SELECT event_id::text, user_id, type, amount, balance_before, balance_after,
		       COALESCE(match_id, ''), metadata, created_at
		FROM ledger_events
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, storeError("query ledger history", err)
	}
	defer rows.Close()

	var events []model.LedgerEvent
	for rows.Next() {
		var ev model.LedgerEvent
		var typ string
		if err := rows.Scan(
			&ev.EventID,
			&ev.UserID,
			&typ,
			&ev.Amount,
			&ev.BalanceBefore,
			&ev.BalanceAfter,
			&ev.MatchID,
			&ev.Metadata,
			&ev.Timestamp,
		); err != nil {
			return nil, storeError("scan ledger event", err)
		}
		ev.Type = model.EventType(typ)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate ledger history", err)
	}

	return events, nil
}

// ensure inserts the account and its opening grant if it does not exist yet.
func (r *AccountRepository) ensure(ctx context.Context, tx pgx.Tx, userID string) error {
	acct, ev := ledger.OpeningGrant(userID, r.grant, time.Now().UTC())

	const insert = `
		INSERT INTO credit_accounts
			(user_id, balance, total_granted, total_spent, total_earned, created_at, updated_at, last_transaction_at)
		VALUES ($1, $2, $3, 0, 0, $4, $4, $4)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING user_id
	`
	var inserted string
	err := tx.QueryRow(ctx, insert, acct.UserID, acct.Balance, acct.TotalGranted, acct.CreatedAt).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storeError("create account", err)
	}

	if ev == nil {
		return nil
	}
	return insertEvent(ctx, tx, ev)
}

func (r *AccountRepository) lockAccount(ctx context.Context, tx pgx.Tx, userID string) (*model.CreditAccount, error) {
	const query = `
		SELECT user_id, balance, total_granted, total_spent, total_earned,
		       created_at, updated_at, last_transaction_at
		FROM credit_accounts
		WHERE user_id = $1
		FOR UPDATE
	`
	acct, err := scanAccount(tx.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, storeError("lock account", err)
	}
	return acct, nil
}

func (r *AccountRepository) matchState(ctx context.Context, tx pgx.Tx, userID, matchID string) (ledger.MatchState, error) {
	const query = `
		SELECT
			COALESCE(SUM(CASE type
				WHEN 'HOLD' THEN amount
				WHEN 'RELEASE' THEN -amount
				WHEN 'DEDUCT' THEN -amount
				ELSE 0 END), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'DEDUCT'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'REWARD'), 0)
		FROM ledger_events
		WHERE user_id = $1 AND match_id = $2
	`
	var st ledger.MatchState
	if err := tx.QueryRow(ctx, query, userID, matchID).Scan(&st.Escrow, &st.Deducted, &st.Rewarded); err != nil {
		return ledger.MatchState{}, storeError("compute match state", err)
	}
	return st, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *model.LedgerEvent) error {
	const insert = `
		INSERT INTO ledger_events
			(event_id, user_id, type, amount, balance_before, balance_after, match_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`
	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if _, err := tx.Exec(ctx, insert, ev.EventID, ev.UserID, string(ev.Type), ev.Amount,
		ev.BalanceBefore, ev.BalanceAfter, ev.MatchID, metadata, ev.Timestamp); err != nil {
		return storeError("append ledger event", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*model.CreditAccount, error) {
	var acct model.CreditAccount
	err := row.Scan(
		&acct.UserID,
		&acct.Balance,
		&acct.TotalGranted,
		&acct.TotalSpent,
		&acct.TotalEarned,
		&acct.CreatedAt,
		&acct.UpdatedAt,
		&acct.LastTransactionAt,
	)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// storeError maps serialization failures and deadlocks to a retryable conflict
// and every other driver error to DEPENDENCY_UNAVAILABLE.
func storeError(op string, err error) error {
	wrapped := fmt.Errorf("failed to %s: %w", op, err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return apperr.Wrap(wrapped, apperr.CodeTransientStoreConflict, "concurrent update, retry")
	}
	return apperr.Wrap(wrapped, apperr.CodeDependencyUnavailable, "store unavailable")
}
