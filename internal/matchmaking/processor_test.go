package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trivia-duel/internal/model"
	"trivia-duel/internal/opponent"
	"trivia-duel/internal/queue"
	"trivia-duel/internal/sequence"
)

func TestPassPairsCompatibleEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "x", model.StanceProgressiveLeft, 40, 10, 30, 5*time.Second)
	y := qe("y", model.StanceConservativeRight, 70, 12, 30, h.now.Add(-3*time.Second))
	y.SafetyBelt, y.SafetyFee = true, decimal.NewFromInt(2)
	require.NoError(t, h.queue.Put(ctx, &y))

	sum := h.proc.RunPass(ctx)

	assert.Equal(t, 2, sum.Loaded)
	assert.Equal(t, 1, sum.Paired)
	assert.Equal(t, 1, sum.Created)
	assert.Zero(t, sum.Synthetic)
	require.Len(t, sum.CreatedMatches, 1)

	m, err := h.matches.GetByID(ctx, sum.CreatedMatches[0])
	require.NoError(t, err)
	assert.Equal(t, "x", m.PlayerA.UserID)
	assert.Equal(t, "y", m.PlayerB.UserID)
	assert.True(t, m.Holds.A.Equal(decimal.NewFromInt(10)))
	assert.True(t, m.Holds.B.Equal(decimal.NewFromInt(14)))
	assert.Equal(t, "seq-30", m.SequenceID)
	assert.Nil(t, m.Result)
	assert.False(t, m.Audit.Synthetic)
	assert.True(t, m.EntryB.SafetyBelt)

	assert.True(t, h.balance(t, "x").Equal(decimal.NewFromInt(90)))
	assert.True(t, h.balance(t, "y").Equal(decimal.NewFromInt(86)))

	for _, id := range []string{"x", "y"} {
		_, err := h.queue.Get(ctx, id, h.now)
		assert.ErrorIs(t, err, queue.ErrEntryNotFound)
	}
	assert.Equal(t, []string{m.MatchID}, h.publisher.created)
}

func TestPassSynthesizesOpponentForLongWait(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "x", model.StanceProgressiveLeft, 50, 10, 45, 31*time.Second)

	sum := h.proc.RunPass(ctx)

	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Synthetic)
	require.Len(t, sum.CreatedMatches, 1)

	m, err := h.matches.GetByID(ctx, sum.CreatedMatches[0])
	require.NoError(t, err)
	assert.True(t, m.Audit.Synthetic)
	assert.Equal(t, model.SideB, m.Audit.SyntheticSide)
	assert.True(t, m.PlayerB.Synthetic)
	assert.True(t, opponent.IsSynthetic(m.PlayerB.UserID))
	assert.NotEqual(t, model.StanceProgressiveLeft, m.PlayerB.StanceType)
	assert.True(t, m.EntryB.EntryFee.IsZero())
	assert.True(t, m.Holds.B.IsZero())
	assert.True(t, m.Holds.A.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 45, m.DurationSec)
	assert.Equal(t, opponent.FallbackLabel, m.PlayerB.PersonaLabel)

	assert.True(t, h.balance(t, "x").Equal(decimal.NewFromInt(90)))
	_, err = h.queue.Get(ctx, "x", h.now)
	assert.ErrorIs(t, err, queue.ErrEntryNotFound)
}

func TestPassLeavesRecentLoneEntryQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "x", model.StanceProgressiveLeft, 50, 10, 30, 10*time.Second)

	sum := h.proc.RunPass(ctx)

	assert.Zero(t, sum.Created)
	active, err := h.queue.LoadActive(ctx, h.now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, h.balance(t, "x").Equal(decimal.NewFromInt(100)))
}

func TestPassCompensatesWhenNoSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	delete(h.library, 30)

	h.join(t, "x", model.StanceProgressiveLeft, 40, 10, 30, 5*time.Second)
	h.join(t, "y", model.StanceConservativeRight, 40, 12, 30, 3*time.Second)

	sum := h.proc.RunPass(ctx)

	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Created)
	assert.Empty(t, h.matches.all())

	assert.True(t, h.balance(t, "x").Equal(decimal.NewFromInt(100)))
	assert.True(t, h.balance(t, "y").Equal(decimal.NewFromInt(100)))

	history, err := h.ledger.GetHistory(ctx, "x", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.EventRelease, history[0].Type)
	assert.Equal(t, model.EventHold, history[1].Type)

	// Both entries are back for the next pass.
	active, err := h.queue.LoadActive(ctx, h.now)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestPassCompensatesWhenMatchWriteFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.matches.createErr = errors.New("connection reset")

	h.join(t, "x", model.StanceProgressiveLeft, 40, 10, 30, 5*time.Second)
	h.join(t, "y", model.StanceConservativeRight, 40, 12, 30, 3*time.Second)

	sum := h.proc.RunPass(ctx)

	assert.Equal(t, 1, sum.Failed)
	assert.True(t, h.balance(t, "x").Equal(decimal.NewFromInt(100)))
	assert.True(t, h.balance(t, "y").Equal(decimal.NewFromInt(100)))
	assert.Empty(t, h.publisher.created)
}

func TestPassDropsEntryThatCannotPay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.creator = NewCreator(&failingLedger{Ledger: h.ledger, refuse: "y"}, sequence.NewSelector(h.library), h.matches)
	h.proc.creator = h.creator

	h.join(t, "x", model.StanceProgressiveLeft, 40, 10, 30, 5*time.Second)
	h.join(t, "y", model.StanceConservativeRight, 40, 12, 30, 3*time.Second)

	sum := h.proc.RunPass(ctx)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Dropped)
	assert.True(t, h.balance(t, "x").Equal(decimal.NewFromInt(100)))

	_, err := h.queue.Get(ctx, "y", h.now)
	assert.ErrorIs(t, err, queue.ErrEntryNotFound)
	active, err := h.queue.LoadActive(ctx, h.now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "x", active[0].UserID)
}

func TestPassSweepsExpiredEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "stale", model.StanceProgressiveLeft, 40, 10, 30, 6*time.Minute)

	sum := h.proc.RunPass(ctx)

	assert.Zero(t, sum.Loaded)
	assert.Equal(t, 1, sum.Swept)
	assert.Zero(t, sum.Created)
}

func TestOverlappingPassesNeverDoubleMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const pairs = 10
	for i := 0; i < pairs; i++ {
		id := string(rune('a' + i))
		h.join(t, "l-"+id, model.StanceProgressiveLeft, 40, 5, 30, time.Duration(i)*time.Second)
		h.join(t, "r-"+id, model.StanceConservativeRight, 40, 5, 30, time.Duration(i)*time.Second)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.proc.RunPass(ctx)
		}()
	}
	wg.Wait()
	// Entries restored by a losing claim race are picked up by the next pass.
	h.proc.RunPass(ctx)

	matches := h.matches.all()
	assert.Len(t, matches, pairs)

	seen := map[string]bool{}
	for _, m := range matches {
		for _, id := range []string{m.PlayerA.UserID, m.PlayerB.UserID} {
			assert.False(t, seen[id], "user %s matched twice", id)
			seen[id] = true
			assert.True(t, h.balance(t, id).Equal(decimal.NewFromInt(95)), "user %s", id)
		}
	}
}

func TestPassSurvivesPublisherFailure(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = errors.New("broker down")

	h.join(t, "x", model.StanceProgressiveLeft, 40, 10, 30, 5*time.Second)
	h.join(t, "y", model.StanceConservativeRight, 40, 12, 30, 3*time.Second)

	sum := h.proc.RunPass(context.Background())
	assert.Equal(t, 1, sum.Created)
}
