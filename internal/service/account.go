// Package service provides the caller-facing queue and credit operations.
package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/ledger"
	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

// MatchReader loads matches.
type MatchReader interface {
	GetByID(ctx context.Context, matchID string) (*model.Match, error)
}

// CreditService exposes the ledger to the authenticated caller.
type CreditService struct {
	ledger  *ledger.Ledger
	matches MatchReader
}

// NewCreditService creates a new CreditService instance.
func NewCreditService(l *ledger.Ledger, matches MatchReader) *CreditService {
	return &CreditService{ledger: l, matches: matches}
}

// GetBalance returns the caller's account, creating it on first access.
func (s *CreditService) GetBalance(ctx context.Context, userID string) (*model.CreditAccount, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.ledger.GetBalance(ctx, userID)
}

// GetHistory returns the caller's newest events. A zero limit uses the default page size.
func (s *CreditService) GetHistory(ctx context.Context, userID string, limit int) ([]model.LedgerEvent, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = ledger.DefaultHistoryLimit
	}
	return s.ledger.GetHistory(ctx, userID, limit)
}

// AddCredits grants amount to the caller.
func (s *CreditService) AddCredits(ctx context.Context, userID string, amount decimal.Decimal, reason string) (*model.LedgerEvent, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "credits added"
	}
	return s.ledger.Grant(ctx, userID, amount, reason)
}

// ReleaseCredits returns up to the caller's outstanding hold for a match they
// play in. Holds on a match without a result belong to settlement, and so does
// the loser's hold once a result exists.
func (s *CreditService) ReleaseCredits(ctx context.Context, userID string, amount decimal.Decimal, matchID string) (*model.LedgerEvent, error) {
	m, err := s.GetMatch(ctx, userID, matchID)
	if err != nil {
		return nil, err
	}
	if m.Result == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "match is not settled")
	}
	if w := m.Result.Winner; w != "" && m.Player(w).UserID != userID {
		return nil, apperr.New(apperr.CodeInvalidArgument, "the losing stake cannot be released")
	}

	ev, err := s.ledger.Release(ctx, userID, amount, matchID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID).Str("match_id", matchID).Str("amount", amount.StringFixed(2)).Msg("Credits released by caller")
	return ev, nil
}

// WithdrawCredits cashes out amount from the caller's balance.
func (s *CreditService) WithdrawCredits(ctx context.Context, userID string, amount decimal.Decimal) (*model.LedgerEvent, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.ledger.Withdraw(ctx, userID, amount)
}

// GetMatch returns a match the caller participates in. Other callers get NotFound.
func (s *CreditService) GetMatch(ctx context.Context, userID, matchID string) (*model.Match, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if matchID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "match id is required")
	}
	m, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasParticipant(userID) {
		return nil, apperr.New(apperr.CodeNotFound, "match not found")
	}
	return m, nil
}
