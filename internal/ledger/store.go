package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/model"
)

// MatchState summarizes an account's events for one match.
type MatchState struct {
	Escrow   decimal.Decimal // held and not yet released or deducted
	Deducted decimal.Decimal
	Rewarded decimal.Decimal
}

// Add folds ev into the state.
func (m *MatchState) Add(ev *model.LedgerEvent) {
	switch ev.Type {
	case model.EventHold:
		m.Escrow = m.Escrow.Add(ev.Amount)
	case model.EventRelease:
		m.Escrow = m.Escrow.Sub(ev.Amount)
	case model.EventDeduct:
		m.Escrow = m.Escrow.Sub(ev.Amount)
		m.Deducted = m.Deducted.Add(ev.Amount)
	case model.EventReward:
		m.Rewarded = m.Rewarded.Add(ev.Amount)
	}
}

// Mutation computes one state transition on a locked account. It mutates acct
// in place and returns the event to append. match summarizes the events for
// the matchID passed to Apply (all zero when matchID is empty).
// Returning an error aborts the unit with no change and no event.
type Mutation func(acct *model.CreditAccount, match MatchState) (*model.LedgerEvent, error)

// Store persists accounts and their history. Implementations must run Apply as
// a single atomic unit per account: the account is created with the opening
// grant if absent, read under exclusion, mutated, and saved together with the
// appended event. Retryable contention is reported as TRANSIENT_STORE_CONFLICT.
type Store interface {
	Apply(ctx context.Context, userID, matchID string, fn Mutation) (*model.CreditAccount, *model.LedgerEvent, error)
	GetOrCreate(ctx context.Context, userID string) (*model.CreditAccount, error)
	History(ctx context.Context, userID string, limit int) ([]model.LedgerEvent, error)
}

// OpeningGrant returns a fresh account credited with grant and the GRANT event
// that records it. The event is nil when grant is zero.
func OpeningGrant(userID string, grant decimal.Decimal, at time.Time) (*model.CreditAccount, *model.LedgerEvent) {
	acct := &model.CreditAccount{
		UserID:            userID,
		Balance:           grant,
		TotalGranted:      grant,
		TotalSpent:        decimal.Zero,
		TotalEarned:       decimal.Zero,
		CreatedAt:         at,
		UpdatedAt:         at,
		LastTransactionAt: at,
	}
	if !grant.IsPositive() {
		return acct, nil
	}
	return acct, &model.LedgerEvent{
		EventID:       uuid.NewString(),
		UserID:        userID,
		Type:          model.EventGrant,
		Amount:        grant,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  grant,
		Timestamp:     at,
		Metadata:      map[string]string{"reason": "initial grant"},
	}
}
