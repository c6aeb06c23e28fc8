package matchmaking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

// Outcome is a settlement decision supplied by the caller. An empty Winner
// means a draw.
type Outcome struct {
	Winner model.Side `json:"winner"`
	ScoreA int        `json:"scoreA"`
	ScoreB int        `json:"scoreB"`
}

// Validate checks the outcome shape.
func (o Outcome) Validate() error {
	switch o.Winner {
	case "", model.SideA, model.SideB:
	default:
		return apperr.Newf(apperr.CodeInvalidArgument, "winner must be A, B or empty, got %q", o.Winner)
	}
	if o.ScoreA < 0 || o.ScoreB < 0 {
		return apperr.New(apperr.CodeInvalidArgument, "scores must be non-negative")
	}
	return nil
}

// ResultApplier records match outcomes and moves escrowed stakes.
type ResultApplier struct {
	matches   MatchStore
	ledger    Ledger
	publisher Publisher
	now       func() time.Time
}

// NewResultApplier creates a new ResultApplier. publisher may be nil.
func NewResultApplier(matches MatchStore, ledger Ledger, publisher Publisher) *ResultApplier {
	return &ResultApplier{
		matches:   matches,
		ledger:    ledger,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Apply writes the result of matchID exactly once and settles the holds.
// A draw releases each hold. A win deducts the loser's hold, rewards the
// winner with the loser's stake and releases the winner's own hold.
//
// Every ledger step only does what is still outstanding, so calling Apply
// again with the same outcome finishes a settlement that failed midway.
// Once nothing is outstanding Apply returns AlreadySettled.
func (r *ResultApplier) Apply(ctx context.Context, matchID string, out Outcome) (*model.Match, error) {
	if err := out.Validate(); err != nil {
		return nil, err
	}

	m, err := r.matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}

	resumed := m.Result != nil
	if resumed {
		if !sameOutcome(m.Result, out) {
			return nil, apperr.New(apperr.CodeAlreadySettled, "match already settled with a different result")
		}
	} else {
		res := r.result(m, out)
		// The result row is the settlement gate: concurrent first writers
		// lose here with AlreadySettled.
		if err := r.matches.SetResult(ctx, matchID, res); err != nil {
			return nil, err
		}
		m.Result = res
	}

	logger := log.With().Str("match_id", matchID).Str("winner", string(out.Winner)).Logger()
	steps, err := r.settle(ctx, m)
	if err != nil {
		logger.Error().Err(err).Bool("stuck_escrow", true).Msg("Settlement ledger effects incomplete")
		return nil, apperr.Wrap(err, apperr.CodeInternal, "settlement incomplete")
	}
	if resumed && steps == 0 {
		return nil, apperr.New(apperr.CodeAlreadySettled, "match already settled")
	}

	logger.Info().
		Bool("resumed", resumed).
		Int("score_a", out.ScoreA).
		Int("score_b", out.ScoreB).
		Str("reward", m.Result.Reward.StringFixed(2)).
		Str("deduction", m.Result.Deduction.StringFixed(2)).
		Msg("Match settled")

	if r.publisher != nil {
		if err := r.publisher.MatchSettled(ctx, m); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish match settled")
		}
	}
	return m, nil
}

func (r *ResultApplier) result(m *model.Match, out Outcome) *model.MatchResult {
	res := &model.MatchResult{
		Winner:    out.Winner,
		ScoreA:    out.ScoreA,
		ScoreB:    out.ScoreB,
		Reward:    decimal.Zero,
		Deduction: decimal.Zero,
		SettledAt: r.now(),
	}
	if out.Winner != "" {
		loser := other(out.Winner)
		if !m.Player(loser).Synthetic {
			res.Deduction = m.Holds.Of(loser)
		}
		if !m.Player(out.Winner).Synthetic {
			res.Reward = res.Deduction
		}
	}
	return res
}

// settle runs the outstanding ledger steps for m.Result and reports how many
// wrote an event.
func (r *ResultApplier) settle(ctx context.Context, m *model.Match) (int, error) {
	steps := 0
	count := func(ev *model.LedgerEvent, err error) error {
		if ev != nil {
			steps++
		}
		return err
	}

	winner := m.Result.Winner
	if winner == "" {
		for _, side := range []model.Side{model.SideA, model.SideB} {
			if err := count(r.release(ctx, m, side)); err != nil {
				return steps, err
			}
		}
		return steps, nil
	}

	if amt := m.Result.Deduction; amt.IsPositive() {
		p := m.Player(other(winner))
		if err := count(r.ledger.DeductRemaining(ctx, p.UserID, amt, m.MatchID, "match lost")); err != nil {
			return steps, fmt.Errorf("failed to deduct loser stake: %w", err)
		}
	}
	if amt := m.Result.Reward; amt.IsPositive() {
		p := m.Player(winner)
		if err := count(r.ledger.RewardRemaining(ctx, p.UserID, amt, m.MatchID)); err != nil {
			return steps, fmt.Errorf("failed to reward winner: %w", err)
		}
	}
	if err := count(r.release(ctx, m, winner)); err != nil {
		return steps, err
	}
	return steps, nil
}

func (r *ResultApplier) release(ctx context.Context, m *model.Match, side model.Side) (*model.LedgerEvent, error) {
	p := m.Player(side)
	if p.Synthetic || !m.Holds.Of(side).IsPositive() {
		return nil, nil
	}
	ev, err := r.ledger.ReleaseEscrow(ctx, p.UserID, m.MatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to release hold for side %s: %w", side, err)
	}
	return ev, nil
}

func sameOutcome(res *model.MatchResult, out Outcome) bool {
	return res.Winner == out.Winner && res.ScoreA == out.ScoreA && res.ScoreB == out.ScoreB
}

func other(s model.Side) model.Side {
	if s == model.SideA {
		return model.SideB
	}
	return model.SideA
}
