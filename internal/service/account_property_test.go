package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-duel/internal/ledger"
	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

type matchMap map[string]*model.Match

func (m matchMap) GetByID(_ context.Context, id string) (*model.Match, error) {
	match, ok := m[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "match not found")
	}
	return match, nil
}

func newCreditService() (*CreditService, *ledger.Ledger, matchMap) {
	l := ledger.New(ledger.NewMemoryStore(decimal.NewFromInt(100)), ledger.Config{MaxRetries: 3, RetryBase: time.Millisecond})
	matches := matchMap{}
	return NewCreditService(l, matches), l, matches
}

func TestCreditServiceRequiresCaller(t *testing.T) {
	s, _, _ := newCreditService()
	ctx := context.Background()

	_, err := s.GetBalance(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = s.GetHistory(ctx, "", 0)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = s.WithdrawCredits(ctx, "", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestCreditServiceAddAndWithdraw(t *testing.T) {
	s, _, _ := newCreditService()
	ctx := context.Background()

	ev, err := s.AddCredits(ctx, "u1", decimal.RequireFromString("25.50"), "  ")
	require.NoError(t, err)
	assert.Equal(t, model.EventGrant, ev.Type)
	assert.Equal(t, "credits added", ev.Metadata["reason"])

	_, err = s.WithdrawCredits(ctx, "u1", decimal.NewFromInt(500))
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = s.WithdrawCredits(ctx, "u1", decimal.RequireFromString("0.50"))
	require.NoError(t, err)

	acct, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(125)), acct.Balance.String())

	history, err := s.GetHistory(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	_, err = s.GetHistory(ctx, "u1", 101)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCreditServiceMatchAccess(t *testing.T) {
	s, l, matches := newCreditService()
	ctx := context.Background()
	matches["m1"] = &model.Match{
		MatchID: "m1",
		PlayerA: model.MatchPlayer{UserID: "alice"},
		PlayerB: model.MatchPlayer{UserID: "bob"},
	}

	_, err := s.GetMatch(ctx, "alice", "m1")
	require.NoError(t, err)

	_, err = s.GetMatch(ctx, "mallory", "m1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.GetMatch(ctx, "alice", "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = l.Hold(ctx, "alice", decimal.NewFromInt(30), "m1")
	require.NoError(t, err)

	_, err = s.ReleaseCredits(ctx, "mallory", decimal.NewFromInt(30), "m1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReleaseCreditsRespectsSettlement(t *testing.T) {
	s, l, matches := newCreditService()
	ctx := context.Background()
	m := &model.Match{
		MatchID: "m1",
		PlayerA: model.MatchPlayer{UserID: "alice"},
		PlayerB: model.MatchPlayer{UserID: "bob"},
		Holds:   model.MatchHolds{A: decimal.NewFromInt(30), B: decimal.NewFromInt(20)},
	}
	matches["m1"] = m
	_, err := l.Hold(ctx, "alice", decimal.NewFromInt(30), "m1")
	require.NoError(t, err)
	_, err = l.Hold(ctx, "bob", decimal.NewFromInt(20), "m1")
	require.NoError(t, err)

	// No result yet: both holds stay in escrow.
	_, err = s.ReleaseCredits(ctx, "alice", decimal.NewFromInt(30), "m1")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = s.ReleaseCredits(ctx, "bob", decimal.NewFromInt(20), "m1")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	m.Result = &model.MatchResult{Winner: model.SideA}

	_, err = s.ReleaseCredits(ctx, "bob", decimal.NewFromInt(20), "m1")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = s.ReleaseCredits(ctx, "alice", decimal.NewFromInt(31), "m1")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = s.ReleaseCredits(ctx, "alice", decimal.NewFromInt(30), "m1")
	require.NoError(t, err)

	alice, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.Balance.Equal(decimal.NewFromInt(100)))
	bob, err := s.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bob.Balance.Equal(decimal.NewFromInt(80)))
}
