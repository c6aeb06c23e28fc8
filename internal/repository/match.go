package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

// Match repository errors.
var (
	ErrMatchNotFound       = apperr.New(apperr.CodeNotFound, "match not found")
	ErrMatchAlreadySettled = apperr.New(apperr.CodeAlreadySettled, "match result already recorded")
)

// MatchRepository persists match records. Core fields are written once on
// insert; only the result block is updated afterwards.
type MatchRepository struct {
	pool *pgxpool.Pool
}

// NewMatchRepository creates a new MatchRepository instance.
func NewMatchRepository(pool *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{pool: pool}
}

// Create inserts a new match.
func (r *MatchRepository) Create(ctx context.Context, m *model.Match) error {
	const query = `
		INSERT INTO matches
			(match_id, created_at, duration_sec, player_a_id, player_b_id, player_a, player_b,
			 entry_a, entry_b, hold_a, hold_b, sequence_id, audit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.pool.Exec(ctx, query,
		m.MatchID,
		m.CreatedAt,
		m.DurationSec,
		m.PlayerA.UserID,
		m.PlayerB.UserID,
		m.PlayerA,
		m.PlayerB,
		m.EntryA,
		m.EntryB,
		m.Holds.A,
		m.Holds.B,
		m.SequenceID,
		m.Audit,
	)
	if err != nil {
		return storeError("create match", err)
	}
	return nil
}

// GetByID retrieves a match. Returns ErrMatchNotFound if it does not exist.
func (r *MatchRepository) GetByID(ctx context.Context, matchID string) (*model.Match, error) {
	const query = `
		SELECT match_id::text, created_at, duration_sec, player_a, player_b, entry_a, entry_b,
		       hold_a, hold_b, sequence_id, audit, result
		FROM matches
		WHERE match_id = $1
	`

	if uuid.Validate(matchID) != nil {
		return nil, ErrMatchNotFound
	}

	var m model.Match
	err := r.pool.QueryRow(ctx, query, matchID).Scan(
		&m.MatchID,
		&m.CreatedAt,
		&m.DurationSec,
		&m.PlayerA,
		&m.PlayerB,
		&m.EntryA,
		&m.EntryB,
		&m.Holds.A,
		&m.Holds.B,
		&m.SequenceID,
		&m.Audit,
		&m.Result,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMatchNotFound
		}
		return nil, storeError("get match", err)
	}
	return &m, nil
}

// SetResult writes the result block exactly once.
// Returns ErrMatchAlreadySettled on a second attempt.
func (r *MatchRepository) SetResult(ctx context.Context, matchID string, result *model.MatchResult) error {
	const query = `
		UPDATE matches
		SET result = $2, settled_at = $3
		WHERE match_id = $1 AND result IS NULL
	`
	if uuid.Validate(matchID) != nil {
		return ErrMatchNotFound
	}
	tag, err := r.pool.Exec(ctx, query, matchID, result, result.SettledAt)
	if err != nil {
		return storeError("set match result", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE match_id = $1)`, matchID).Scan(&exists); err != nil {
		return storeError("check match", err)
	}
	if !exists {
		return ErrMatchNotFound
	}
	return fmt.Errorf("match %s: %w", matchID, ErrMatchAlreadySettled)
}
