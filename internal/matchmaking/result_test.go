package matchmaking

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-duel/internal/model"
	"trivia-duel/internal/opponent"
	"trivia-duel/internal/pkg/apperr"
	"trivia-duel/internal/service"
)

func createHumanMatch(t *testing.T, h *harness) *model.Match {
	t.Helper()
	a := qe("alice", model.StanceProgressiveLeft, 40, 10, 30, h.now)
	b := qe("bob", model.StanceConservativeRight, 50, 12, 30, h.now)
	b.SafetyBelt, b.SafetyFee = true, decimal.NewFromInt(2)

	m, err := h.creator.Create(context.Background(), &a, &b, false, "test")
	require.NoError(t, err)
	return m
}

func TestApplyWinMovesLoserStakeToWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := createHumanMatch(t, h)
	applier := NewResultApplier(h.matches, h.ledger, h.publisher)

	settled, err := applier.Apply(ctx, m.MatchID, Outcome{Winner: model.SideA, ScoreA: 7, ScoreB: 4})
	require.NoError(t, err)
	require.NotNil(t, settled.Result)
	assert.True(t, settled.Result.Reward.Equal(decimal.NewFromInt(14)))
	assert.True(t, settled.Result.Deduction.Equal(decimal.NewFromInt(14)))

	alice, err := h.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.Balance.Equal(decimal.NewFromInt(114)), alice.Balance.String())
	assert.True(t, alice.TotalEarned.Equal(decimal.NewFromInt(14)))

	bob, err := h.ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bob.Balance.Equal(decimal.NewFromInt(86)))
	assert.True(t, bob.TotalSpent.Equal(decimal.NewFromInt(14)))

	stored, err := h.matches.GetByID(ctx, m.MatchID)
	require.NoError(t, err)
	require.NotNil(t, stored.Result)
	assert.Equal(t, model.SideA, stored.Result.Winner)
	assert.Equal(t, []string{m.MatchID}, h.publisher.settled)
}

func TestApplyDrawReleasesBothHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := createHumanMatch(t, h)
	applier := NewResultApplier(h.matches, h.ledger, nil)

	_, err := applier.Apply(ctx, m.MatchID, Outcome{ScoreA: 5, ScoreB: 5})
	require.NoError(t, err)

	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(100)))
	assert.True(t, h.balance(t, "bob").Equal(decimal.NewFromInt(100)))
}

func TestApplyIsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := createHumanMatch(t, h)
	applier := NewResultApplier(h.matches, h.ledger, nil)

	_, err := applier.Apply(ctx, m.MatchID, Outcome{Winner: model.SideB})
	require.NoError(t, err)

	_, err = applier.Apply(ctx, m.MatchID, Outcome{Winner: model.SideA})
	assert.ErrorIs(t, err, apperr.ErrAlreadySettled)

	// Second attempt moved nothing.
	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(90)))
	assert.True(t, h.balance(t, "bob").Equal(decimal.NewFromInt(110)))
}

func TestApplyAgainstSyntheticOpponent(t *testing.T) {
	tests := []struct {
		name   string
		winner model.Side
		want   int64
	}{
		{"human wins", model.SideA, 100},
		{"human loses", model.SideB, 90},
		{"draw", "", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			human := qe("carol", model.StanceCentristModerate, 40, 10, 30, h.now)
			synth := opponent.NewSynthesizer(nil, 0, 60).Synthesize(ctx, &human, h.now)

			m, err := h.creator.Create(ctx, &human, &synth, true, "test")
			require.NoError(t, err)

			applier := NewResultApplier(h.matches, h.ledger, nil)
			settled, err := applier.Apply(ctx, m.MatchID, Outcome{Winner: tt.winner})
			require.NoError(t, err)
			assert.True(t, settled.Result.Reward.IsZero())

			assert.True(t, h.balance(t, "carol").Equal(decimal.NewFromInt(tt.want)))
		})
	}
}

func TestApplyValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	applier := NewResultApplier(h.matches, h.ledger, nil)

	_, err := applier.Apply(ctx, "missing", Outcome{Winner: model.SideA})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	m := createHumanMatch(t, h)
	_, err = applier.Apply(ctx, m.MatchID, Outcome{Winner: "C"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = applier.Apply(ctx, m.MatchID, Outcome{Winner: model.SideA, ScoreA: -1})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCreatorSkipsZeroStakeHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := qe("free-a", model.StanceProgressiveLeft, 40, 0, 30, h.now)
	b := qe("free-b", model.StanceConservativeRight, 40, 0, 30, h.now)

	m, err := h.creator.Create(ctx, &a, &b, false, "test")
	require.NoError(t, err)
	assert.True(t, m.Holds.A.IsZero())
	assert.True(t, m.Holds.B.IsZero())

	assert.True(t, h.balance(t, "free-a").Equal(decimal.NewFromInt(100)))
	history, err := h.ledger.GetHistory(ctx, "free-a", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApplyFinishesSettlementAfterLedgerFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := createHumanMatch(t, h)
	flaky := &flakyLedger{Ledger: h.ledger, rewardFailures: 1}
	applier := NewResultApplier(h.matches, flaky, h.publisher)
	out := Outcome{Winner: model.SideA, ScoreA: 7, ScoreB: 4}

	_, err := applier.Apply(ctx, m.MatchID, out)
	assert.ErrorIs(t, err, apperr.ErrInternal)
	assert.Empty(t, h.publisher.settled)

	// Loser already paid, winner not yet.
	assert.True(t, h.balance(t, "bob").Equal(decimal.NewFromInt(86)))
	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(90)))

	_, err = applier.Apply(ctx, m.MatchID, Outcome{Winner: model.SideB, ScoreA: 4, ScoreB: 7})
	assert.ErrorIs(t, err, apperr.ErrAlreadySettled)

	settled, err := applier.Apply(ctx, m.MatchID, out)
	require.NoError(t, err)
	assert.Equal(t, model.SideA, settled.Result.Winner)
	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(114)))
	assert.True(t, h.balance(t, "bob").Equal(decimal.NewFromInt(86)))
	assert.Equal(t, []string{m.MatchID}, h.publisher.settled)

	_, err = applier.Apply(ctx, m.MatchID, out)
	assert.ErrorIs(t, err, apperr.ErrAlreadySettled)

	history, err := h.ledger.GetHistory(ctx, "bob", 50)
	require.NoError(t, err)
	deducts := 0
	for _, ev := range history {
		if ev.Type == model.EventDeduct {
			deducts++
		}
	}
	assert.Equal(t, 1, deducts)
}

func TestParticipantCannotReleaseStakeBeforeResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := createHumanMatch(t, h)
	credits := service.NewCreditService(h.ledger, h.matches)
	applier := NewResultApplier(h.matches, h.ledger, nil)

	_, err := credits.ReleaseCredits(ctx, "bob", decimal.NewFromInt(14), m.MatchID)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.True(t, h.balance(t, "bob").Equal(decimal.NewFromInt(86)))

	_, err = applier.Apply(ctx, m.MatchID, Outcome{Winner: model.SideA, ScoreA: 7, ScoreB: 4})
	require.NoError(t, err)
	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(114)))
	assert.True(t, h.balance(t, "bob").Equal(decimal.NewFromInt(86)))

	// The loser's escrow went to the winner; nothing is left to release.
	_, err = credits.ReleaseCredits(ctx, "bob", decimal.NewFromInt(1), m.MatchID)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestWinnerReleaseBeforeSettlementFinishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := createHumanMatch(t, h)
	flaky := &flakyLedger{Ledger: h.ledger, rewardFailures: 1}
	applier := NewResultApplier(h.matches, flaky, nil)
	credits := service.NewCreditService(h.ledger, h.matches)
	out := Outcome{Winner: model.SideA, ScoreA: 7, ScoreB: 4}

	_, err := applier.Apply(ctx, m.MatchID, out)
	require.Error(t, err)

	// The winner may take back their own hold once the result is recorded.
	_, err = credits.ReleaseCredits(ctx, "alice", decimal.NewFromInt(10), m.MatchID)
	require.NoError(t, err)
	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(100)))

	_, err = applier.Apply(ctx, m.MatchID, out)
	require.NoError(t, err)
	assert.True(t, h.balance(t, "alice").Equal(decimal.NewFromInt(114)))
	assert.True(t, h.balance(t, "bob").Equal(decimal.NewFromInt(86)))
}
