package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/ledger"
	"trivia-duel/internal/model"
	"trivia-duel/internal/opponent"
	"trivia-duel/internal/pkg/apperr"
	"trivia-duel/internal/pkg/lock"
)

// Join input bounds.
const (
	MaxPingMs       = 2000
	MaxPersonaLabel = 48
	joinLockTimeout = 5 * time.Second
)

// QueueStore is the queue surface used by join, leave and status.
type QueueStore interface {
	Put(ctx context.Context, e *model.QueueEntry) error
	Get(ctx context.Context, userID string, now time.Time) (*model.QueueEntry, error)
	Remove(ctx context.Context, userID string) (bool, error)
}

// BalanceReader reads a user's account.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (*model.CreditAccount, error)
}

// PassTrigger requests an out-of-band matchmaking pass.
type PassTrigger interface {
	Trigger()
}

// QueueConfig holds join rules.
type QueueConfig struct {
	QueueTTL  time.Duration
	SafetyFee decimal.Decimal
	Durations []int
}

// JoinRequest is the caller-supplied part of a queue entry.
type JoinRequest struct {
	StanceType   string          `json:"stanceType"`
	PersonaLabel string          `json:"personaLabel"`
	PingMs       int             `json:"pingMs"`
	EntryFee     decimal.Decimal `json:"entryFee"`
	SafetyBelt   bool            `json:"safetyBelt"`
	Duration     int             `json:"duration"`
}

// QueueService handles joining and leaving the matchmaking queue.
type QueueService struct {
	queue    QueueStore
	balances BalanceReader
	trigger  PassTrigger
	locks    *lock.UserLock
	cfg      QueueConfig
	now      func() time.Time
}

// NewQueueService creates a new QueueService. trigger may be nil.
func NewQueueService(queue QueueStore, balances BalanceReader, trigger PassTrigger, cfg QueueConfig) *QueueService {
	return &QueueService{
		queue:    queue,
		balances: balances,
		trigger:  trigger,
		locks:    lock.NewUserLock(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Join validates req, checks the caller can cover the stake and writes or
// replaces the caller's queue entry. A pass is triggered afterwards so a
// waiting partner is matched without waiting for the next tick.
func (s *QueueService) Join(ctx context.Context, userID string, req JoinRequest) (*model.QueueEntry, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if opponent.IsSynthetic(userID) {
		return nil, apperr.New(apperr.CodeInvalidArgument, "reserved user id")
	}
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	safety := decimal.Zero
	if req.SafetyBelt {
		safety = s.cfg.SafetyFee
	}

	var entry *model.QueueEntry
	err := s.locks.WithLockContext(ctx, userID, joinLockTimeout, func() error {
		acct, err := s.balances.GetBalance(ctx, userID)
		if err != nil {
			return err
		}

		now := s.now()
		e := &model.QueueEntry{
			UserID:       userID,
			StanceType:   req.StanceType,
			PersonaLabel: strings.TrimSpace(req.PersonaLabel),
			PingMs:       req.PingMs,
			EntryFee:     req.EntryFee,
			SafetyBelt:   req.SafetyBelt,
			SafetyFee:    safety,
			Duration:     req.Duration,
			JoinedAt:     now,
			ExpiresAt:    now.Add(s.cfg.QueueTTL),
		}
		if acct.Balance.LessThan(e.Stake()) {
			return apperr.Newf(apperr.CodeInsufficientFunds,
				"balance %s is below stake %s", acct.Balance.StringFixed(2), e.Stake().StringFixed(2))
		}

		if err := s.queue.Put(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, apperr.Wrap(err, apperr.CodeTransientStoreConflict, "join already in progress")
		}
		return nil, err
	}

	log.Info().
		Str("user_id", userID).
		Str("stance", entry.StanceType).
		Int("duration", entry.Duration).
		Str("stake", entry.Stake().StringFixed(2)).
		Msg("Joined queue")

	if s.trigger != nil {
		s.trigger.Trigger()
	}
	return entry, nil
}

// Leave removes the caller's entry. It is idempotent and reports whether an
// entry was removed.
func (s *QueueService) Leave(ctx context.Context, userID string) (bool, error) {
	if err := requireUser(userID); err != nil {
		return false, err
	}
	removed, err := s.queue.Remove(ctx, userID)
	if err != nil {
		return false, err
	}
	if removed {
		log.Info().Str("user_id", userID).Msg("Left queue")
	}
	return removed, nil
}

// Status returns the caller's live entry.
func (s *QueueService) Status(ctx context.Context, userID string) (*model.QueueEntry, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.queue.Get(ctx, userID, s.now())
}

func (s *QueueService) validate(req *JoinRequest) error {
	if !model.IsKnownStance(req.StanceType) {
		return apperr.Newf(apperr.CodeInvalidArgument, "unknown stance %q", req.StanceType)
	}
	if !s.durationAllowed(req.Duration) {
		return apperr.Newf(apperr.CodeInvalidArgument, "unsupported duration %d", req.Duration)
	}
	if req.PingMs < 0 || req.PingMs > MaxPingMs {
		return apperr.Newf(apperr.CodeInvalidArgument, "ping must be between 0 and %d ms", MaxPingMs)
	}
	if req.EntryFee.IsNegative() {
		return apperr.New(apperr.CodeInvalidArgument, "entry fee must not be negative")
	}
	if !req.EntryFee.IsZero() {
		if err := ledger.ValidateAmount(req.EntryFee); err != nil {
			return err
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.PersonaLabel)) > MaxPersonaLabel {
		return apperr.Newf(apperr.CodeInvalidArgument, "persona label exceeds %d characters", MaxPersonaLabel)
	}
	return nil
}

func (s *QueueService) durationAllowed(sec int) bool {
	for _, d := range s.cfg.Durations {
		if d == sec {
			return true
		}
	}
	return false
}

func requireUser(userID string) error {
	if userID == "" {
		return apperr.ErrUnauthenticated
	}
	return nil
}
