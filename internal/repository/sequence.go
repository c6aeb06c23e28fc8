package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"trivia-duel/internal/model"
)

// SequenceRepository reads the pre-assembled question sequence library.
type SequenceRepository struct {
	pool *pgxpool.Pool
}

// NewSequenceRepository creates a new SequenceRepository instance.
func NewSequenceRepository(pool *pgxpool.Pool) *SequenceRepository {
	return &SequenceRepository{pool: pool}
}

// ListByDuration returns every sequence tagged with durationSec.
func (r *SequenceRepository) ListByDuration(ctx context.Context, durationSec int) ([]model.Sequence, error) {
	const query = `
		SELECT id, duration_sec, title, question_ids
		FROM sequences
		WHERE duration_sec = $1
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, durationSec)
	if err != nil {
		return nil, storeError("query sequences", err)
	}
	defer rows.Close()

	var seqs []model.Sequence
	for rows.Next() {
		var s model.Sequence
		if err := rows.Scan(&s.ID, &s.DurationSec, &s.Title, &s.QuestionIDs); err != nil {
			return nil, storeError("scan sequence", err)
		}
		seqs = append(seqs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate sequences", err)
	}

	return seqs, nil
}

// Upsert inserts or replaces a sequence. Used by content import and seeding.
func (r *SequenceRepository) Upsert(ctx context.Context, s *model.Sequence) error {
	const query = `
		INSERT INTO sequences (id, duration_sec, title, question_ids)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET duration_sec = EXCLUDED.duration_sec,
		    title = EXCLUDED.title,
		    question_ids = EXCLUDED.question_ids
	`
	if _, err := r.pool.Exec(ctx, query, s.ID, s.DurationSec, s.Title, s.QuestionIDs); err != nil {
		return storeError("upsert sequence", err)
	}
	return nil
}
