// Package sequence picks question sequences for new matches.
package sequence

import (
	"context"
	"math/rand"

	"github.com/rs/zerolog/log"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/apperr"
)

// Library lists pre-assembled sequences by duration.
type Library interface {
	ListByDuration(ctx context.Context, durationSec int) ([]model.Sequence, error)
}

// Selector chooses one sequence uniformly at random. It keeps no history, so
// the same sequence may be chosen for consecutive matches.
type Selector struct {
	lib  Library
	pick func(n int) int
}

// NewSelector creates a Selector over lib.
func NewSelector(lib Library) *Selector {
	return &Selector{lib: lib, pick: rand.Intn}
}

// Select returns a random sequence tagged with durationSec.
func (s *Selector) Select(ctx context.Context, durationSec int) (*model.Sequence, error) {
	if durationSec <= 0 {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "invalid duration %d", durationSec)
	}

	seqs, err := s.lib.ListByDuration(ctx, durationSec)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, apperr.Newf(apperr.CodeNoSequencesAvailable, "no sequences for %ds matches", durationSec)
	}

	chosen := seqs[s.pick(len(seqs))]
	log.Debug().Int("duration", durationSec).Int("candidates", len(seqs)).Str("sequence_id", chosen.ID).Msg("Sequence selected")
	return &chosen, nil
}
