// Package ledger implements the escrow-style credit ledger. Every mutation is a
// single atomic read-modify-write of one account plus exactly one appended event.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

// History page bounds.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Config tunes conflict retries.
type Config struct {
	MaxRetries int
	RetryBase  time.Duration
}

// Ledger owns all CreditAccount and LedgerEvent mutation.
type Ledger struct {
	store      Store
	maxRetries int
	retryBase  time.Duration
	now        func() time.Time
}

// New creates a Ledger over store.
func New(store Store, cfg Config) *Ledger {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	return &Ledger{
		store:      store,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// GetBalance returns the account, creating it with the opening grant on first access.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*model.CreditAccount, error) {
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "user id is required")
	}
	var acct *model.CreditAccount
	err := l.retry(ctx, func() error {
		var err error
		acct, err = l.store.GetOrCreate(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// GetHistory returns up to limit events, newest first.
func (l *Ledger) GetHistory(ctx context.Context, userID string, limit int) ([]model.LedgerEvent, error) {
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "user id is required")
	}
	if limit < 1 || limit > MaxHistoryLimit {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "limit must be between 1 and %d", MaxHistoryLimit)
	}
	return l.store.History(ctx, userID, limit)
}

// Grant credits amount to the account.
func (l *Ledger) Grant(ctx context.Context, userID string, amount decimal.Decimal, reason string) (*model.LedgerEvent, error) {
	if err := validate(userID, amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, "", func(acct *model.CreditAccount, _ MatchState) (*model.LedgerEvent, error) {
		ev := l.event(acct, model.EventGrant, amount, "", reason)
		acct.Balance = acct.Balance.Add(amount)
		acct.TotalGranted = acct.TotalGranted.Add(amount)
		return l.finish(acct, ev), nil
	})
}

// Hold moves amount from the available balance into escrow for matchID.
func (l *Ledger) Hold(ctx context.Context, userID string, amount decimal.Decimal, matchID string) (*model.LedgerEvent, error) {
	if err := validateMatch(userID, amount, matchID); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, matchID, func(acct *model.CreditAccount, _ MatchState) (*model.LedgerEvent, error) {
		if acct.Balance.LessThan(amount) {
			return nil, apperr.Newf(apperr.CodeInsufficientFunds, "balance %s is below %s", acct.Balance.StringFixed(2), amount.StringFixed(2))
		}
		ev := l.event(acct, model.EventHold, amount, matchID, "")
		acct.Balance = acct.Balance.Sub(amount)
		return l.finish(acct, ev), nil
	})
}

// Release returns escrowed funds for matchID to the available balance.
func (l *Ledger) Release(ctx context.Context, userID string, amount decimal.Decimal, matchID string) (*model.LedgerEvent, error) {
	if err := validateMatch(userID, amount, matchID); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, matchID, func(acct *model.CreditAccount, m MatchState) (*model.LedgerEvent, error) {
		if amount.GreaterThan(m.Escrow) {
			return nil, escrowExceeded(amount, m.Escrow)
		}
		ev := l.event(acct, model.EventRelease, amount, matchID, "")
		acct.Balance = acct.Balance.Add(amount)
		return l.finish(acct, ev), nil
	})
}

// Deduct finalizes a loss on escrowed funds. The balance does not change.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount decimal.Decimal, matchID, reason string) (*model.LedgerEvent, error) {
	if err := validateMatch(userID, amount, matchID); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, matchID, func(acct *model.CreditAccount, m MatchState) (*model.LedgerEvent, error) {
		if amount.GreaterThan(m.Escrow) {
			return nil, escrowExceeded(amount, m.Escrow)
		}
		ev := l.event(acct, model.EventDeduct, amount, matchID, reason)
		acct.TotalSpent = acct.TotalSpent.Add(amount)
		return l.finish(acct, ev), nil
	})
}

// Reward pays amount to the account for matchID.
func (l *Ledger) Reward(ctx context.Context, userID string, amount decimal.Decimal, matchID string) (*model.LedgerEvent, error) {
	if err := validateMatch(userID, amount, matchID); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, matchID, func(acct *model.CreditAccount, _ MatchState) (*model.LedgerEvent, error) {
		ev := l.event(acct, model.EventReward, amount, matchID, "")
		acct.Balance = acct.Balance.Add(amount)
		acct.TotalEarned = acct.TotalEarned.Add(amount)
		return l.finish(acct, ev), nil
	})
}

// Withdraw removes amount from the available balance (cash-out).
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.LedgerEvent, error) {
	if err := validate(userID, amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, "", func(acct *model.CreditAccount, _ MatchState) (*model.LedgerEvent, error) {
		if acct.Balance.LessThan(amount) {
			return nil, apperr.Newf(apperr.CodeInsufficientFunds, "balance %s is below %s", acct.Balance.StringFixed(2), amount.StringFixed(2))
		}
		ev := l.event(acct, model.EventWithdraw, amount, "", "withdraw")
		acct.Balance = acct.Balance.Sub(amount)
		return l.finish(acct, ev), nil
	})
}

// ReleaseEscrow releases whatever is still held for matchID. It returns a nil
// event when nothing is held.
func (l *Ledger) ReleaseEscrow(ctx context.Context, userID, matchID string) (*model.LedgerEvent, error) {
	if err := validateMatch(userID, decimal.NewFromInt(1), matchID); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, matchID, func(acct *model.CreditAccount, m MatchState) (*model.LedgerEvent, error) {
		if !m.Escrow.IsPositive() {
			return nil, errNoChange
		}
		ev := l.event(acct, model.EventRelease, m.Escrow, matchID, "")
		acct.Balance = acct.Balance.Add(m.Escrow)
		return l.finish(acct, ev), nil
	})
}

// DeductRemaining deducts the part of total not yet deducted for matchID,
// bounded by the escrow. It returns a nil event when total is already deducted.
func (l *Ledger) DeductRemaining(ctx context.Context, userID string, total decimal.Decimal, matchID, reason string) (*model.LedgerEvent, error) {
	if err := validateMatch(userID, total, matchID); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, matchID, func(acct *model.CreditAccount, m MatchState) (*model.LedgerEvent, error) {
		amount := total.Sub(m.Deducted)
		if !amount.IsPositive() {
			return nil, errNoChange
		}
		if amount.GreaterThan(m.Escrow) {
			return nil, escrowExceeded(amount, m.Escrow)
		}
		ev := l.event(acct, model.EventDeduct, amount, matchID, reason)
		acct.TotalSpent = acct.TotalSpent.Add(amount)
		return l.finish(acct, ev), nil
	})
}

// RewardRemaining pays the part of total not yet rewarded for matchID. It
// returns a nil event when total is already paid.
func (l *Ledger) RewardRemaining(ctx context.Context, userID string, total decimal.Decimal, matchID string) (*model.LedgerEvent, error) {
	if err := validateMatch(userID, total, matchID); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, matchID, func(acct *model.CreditAccount, m MatchState) (*model.LedgerEvent, error) {
		amount := total.Sub(m.Rewarded)
		if !amount.IsPositive() {
			return nil, errNoChange
		}
		ev := l.event(acct, model.EventReward, amount, matchID, "")
		acct.Balance = acct.Balance.Add(amount)
		acct.TotalEarned = acct.TotalEarned.Add(amount)
		return l.finish(acct, ev), nil
	})
}

// errNoChange aborts a mutation that has nothing left to do.
var errNoChange = errors.New("no change")

func (l *Ledger) apply(ctx context.Context, userID, matchID string, fn Mutation) (*model.LedgerEvent, error) {
	var ev *model.LedgerEvent
	err := l.retry(ctx, func() error {
		var err error
		_, ev, err = l.store.Apply(ctx, userID, matchID, fn)
		return err
	})
	if errors.Is(err, errNoChange) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("user_id", userID).
		Str("match_id", matchID).
		Str("event_type", string(ev.Type)).
		Str("amount", ev.Amount.StringFixed(2)).
		Str("balance_after", ev.BalanceAfter.StringFixed(2)).
		Msg("Ledger event appended")
	return ev, nil
}

// retry reruns op while it fails with a transient store conflict.
func (l *Ledger) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryBase
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, apperr.ErrTransientStoreConflict) {
			log.Warn().Err(err).Int("attempt", attempts).Msg("Ledger store conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.maxRetries)), ctx))

	if err != nil && errors.Is(err, apperr.ErrTransientStoreConflict) {
		return apperr.Wrap(err, apperr.CodeInternal, "ledger operation failed after retries")
	}
	return err
}

func (l *Ledger) event(acct *model.CreditAccount, typ model.EventType, amount decimal.Decimal, matchID, reason string) *model.LedgerEvent {
	ev := &model.LedgerEvent{
		EventID:       uuid.NewString(),
		UserID:        acct.UserID,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: acct.Balance,
		MatchID:       matchID,
		Timestamp:     l.now(),
	}
	if reason != "" {
		ev.Metadata = map[string]string{"reason": reason}
	}
	return ev
}

func (l *Ledger) finish(acct *model.CreditAccount, ev *model.LedgerEvent) *model.LedgerEvent {
	ev.BalanceAfter = acct.Balance
	acct.UpdatedAt = ev.Timestamp
	acct.LastTransactionAt = ev.Timestamp
	return ev
}

func validate(userID string, amount decimal.Decimal) error {
	if userID == "" {
		return apperr.New(apperr.CodeInvalidArgument, "user id is required")
	}
	return ValidateAmount(amount)
}

func validateMatch(userID string, amount decimal.Decimal, matchID string) error {
	if err := validate(userID, amount); err != nil {
		return err
	}
	if matchID == "" {
		return apperr.New(apperr.CodeInvalidArgument, "match id is required")
	}
	return nil
}

// ValidateAmount rejects non-positive amounts and amounts finer than a cent.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.CodeInvalidArgument, "amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return apperr.New(apperr.CodeInvalidArgument, "amount must have at most two decimal places")
	}
	return nil
}

func escrowExceeded(amount, escrow decimal.Decimal) error {
	return apperr.Newf(apperr.CodeInvalidArgument, "amount %s exceeds escrow %s", amount.StringFixed(2), escrow.StringFixed(2))
}
