package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

// Ledger is the subset of the credit ledger used for escrow.
type Ledger interface {
	Hold(ctx context.Context, userID string, amount decimal.Decimal, matchID string) (*model.LedgerEvent, error)
	Release(ctx context.Context, userID string, amount decimal.Decimal, matchID string) (*model.LedgerEvent, error)
	ReleaseEscrow(ctx context.Context, userID, matchID string) (*model.LedgerEvent, error)
	DeductRemaining(ctx context.Context, userID string, total decimal.Decimal, matchID, reason string) (*model.LedgerEvent, error)
	RewardRemaining(ctx context.Context, userID string, total decimal.Decimal, matchID string) (*model.LedgerEvent, error)
}

// SequenceSelector picks content for a match duration.
type SequenceSelector interface {
	Select(ctx context.Context, durationSec int) (*model.Sequence, error)
}

// MatchStore persists matches.
type MatchStore interface {
	Create(ctx context.Context, m *model.Match) error
	GetByID(ctx context.Context, matchID string) (*model.Match, error)
	SetResult(ctx context.Context, matchID string, result *model.MatchResult) error
}

// FundingError reports that a participant's hold was refused.
type FundingError struct {
	UserID string
	Err    error
}

func (e *FundingError) Error() string {
	return fmt.Sprintf("hold for %s failed: %v", e.UserID, e.Err)
}

func (e *FundingError) Unwrap() error { return e.Err }

// Creator creates matches. Holds are taken one account at a time; if any later
// step fails, the holds already taken are released before the error returns.
type Creator struct {
	ledger    Ledger
	sequences SequenceSelector
	matches   MatchStore
	now       func() time.Time
	newID     func() string
}

// NewCreator creates a new Creator.
func NewCreator(ledger Ledger, sequences SequenceSelector, matches MatchStore) *Creator {
	return &Creator{
		ledger:    ledger,
		sequences: sequences,
		matches:   matches,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

type heldStake struct {
	userID string
	amount decimal.Decimal
}

// Create holds each human side's stake, selects a sequence for a's duration
// and writes the match. b is synthetic when synthetic is true.
func (c *Creator) Create(ctx context.Context, a, b *model.QueueEntry, synthetic bool, createdBy string) (*model.Match, error) {
	matchID := c.newID()
	logger := log.With().Str("match_id", matchID).Str("player_a", a.UserID).Str("player_b", b.UserID).Logger()

	var held []heldStake
	fail := func(err error) (*model.Match, error) {
		c.compensate(ctx, matchID, held, err)
		return nil, err
	}

	holds := model.MatchHolds{A: decimal.Zero, B: decimal.Zero}
	if stake := a.Stake(); !a.Synthetic && stake.IsPositive() {
		if _, err := c.ledger.Hold(ctx, a.UserID, stake, matchID); err != nil {
			return nil, &FundingError{UserID: a.UserID, Err: err}
		}
		held = append(held, heldStake{a.UserID, stake})
		holds.A = stake
	}
	if stake := b.Stake(); !synthetic && !b.Synthetic && stake.IsPositive() {
		if _, err := c.ledger.Hold(ctx, b.UserID, stake, matchID); err != nil {
			return fail(&FundingError{UserID: b.UserID, Err: err})
		}
		held = append(held, heldStake{b.UserID, stake})
		holds.B = stake
	}

	seq, err := c.sequences.Select(ctx, a.Duration)
	if err != nil {
		return fail(fmt.Errorf("failed to select sequence: %w", err))
	}

	m := &model.Match{
		MatchID:     matchID,
		CreatedAt:   c.now(),
		DurationSec: a.Duration,
		PlayerA:     player(a),
		PlayerB:     player(b),
		EntryA:      entryTerms(a),
		EntryB:      entryTerms(b),
		Holds:       holds,
		SequenceID:  seq.ID,
		Audit:       model.MatchAudit{CreatedBy: createdBy},
	}
	switch {
	case synthetic || b.Synthetic:
		m.PlayerB.Synthetic = true
		m.Audit.Synthetic, m.Audit.SyntheticSide = true, model.SideB
	case a.Synthetic:
		m.Audit.Synthetic, m.Audit.SyntheticSide = true, model.SideA
	}

	if err := c.matches.Create(ctx, m); err != nil {
		return fail(fmt.Errorf("failed to write match: %w", err))
	}

	logger.Info().
		Bool("synthetic", m.Audit.Synthetic).
		Str("hold_a", holds.A.StringFixed(2)).
		Str("hold_b", holds.B.StringFixed(2)).
		Str("sequence_id", seq.ID).
		Msg("Match created")
	return m, nil
}

// compensate releases stakes held for a match that was not created. It detaches
// from ctx so a cancelled pass still returns the funds.
func (c *Creator) compensate(parent context.Context, matchID string, held []heldStake, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()

	for i := len(held) - 1; i >= 0; i-- {
		h := held[i]
		_, err := c.ledger.Release(ctx, h.userID, h.amount, matchID)
		if err != nil {
			log.Error().Err(err).AnErr("cause", cause).
				Bool("stuck_escrow", true).
				Str("match_id", matchID).
				Str("user_id", h.userID).
				Str("amount", h.amount.StringFixed(2)).
				Msg("Compensating release failed")
			continue
		}
		log.Error().AnErr("cause", cause).
			Bool("compensation", true).
			Str("match_id", matchID).
			Str("user_id", h.userID).
			Str("amount", h.amount.StringFixed(2)).
			Msg("Released hold after failed match creation")
	}
}

func player(e *model.QueueEntry) model.MatchPlayer {
	return model.MatchPlayer{
		UserID:       e.UserID,
		StanceType:   e.StanceType,
		PersonaLabel: e.PersonaLabel,
		PingMs:       e.PingMs,
		Synthetic:    e.Synthetic,
	}
}

func entryTerms(e *model.QueueEntry) model.MatchEntry {
	return model.MatchEntry{
		EntryFee:   e.EntryFee,
		SafetyBelt: e.SafetyBelt,
		SafetyFee:  e.SafetyFee,
	}
}

// isFundingRefusal reports whether err means a participant cannot pay.
func isFundingRefusal(err error) (*FundingError, bool) {
	var fe *FundingError
	if errors.As(err, &fe) && errors.Is(fe.Err, apperr.ErrInsufficientFunds) {
		return fe, true
	}
	return nil, false
}
