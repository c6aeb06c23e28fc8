// Package opponent builds synthetic opponents for players who waited too long.
package opponent

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/model"
)

// Ping bounds for synthetic opponents.
const (
	MinPingMs    = 15
	MaxPingMs    = 100
	pingJitterMs = 10

	// FallbackLabel is used whenever label generation fails.
	FallbackLabel = "AI Challenger"

	syntheticPrefix = "ai-"
)

// Synthesizer creates synthetic queue entries. It never fails: label
// generation is bounded by a timeout and falls back to FallbackLabel.
type Synthesizer struct {
	labeler      Labeler
	labelTimeout time.Duration
	maxPingDiff  int
	intN         func(n int) int
}

// NewSynthesizer creates a Synthesizer. labeler may be nil, in which case the
// fallback label is always used.
func NewSynthesizer(labeler Labeler, labelTimeout time.Duration, maxPingDiffMs int) *Synthesizer {
	return &Synthesizer{
		labeler:      labeler,
		labelTimeout: labelTimeout,
		maxPingDiff:  maxPingDiffMs,
		intN:         rand.Intn,
	}
}

// Synthesize returns an opponent for human with an opposing stance, a nearby
// ping, the same duration and no stake.
func (s *Synthesizer) Synthesize(ctx context.Context, human *model.QueueEntry, now time.Time) model.QueueEntry {
	stance := s.pickStance(human.StanceType)
	return model.QueueEntry{
		UserID:       syntheticPrefix + uuid.NewString(),
		StanceType:   stance,
		PersonaLabel: s.label(ctx, stance),
		PingMs:       s.ping(human.PingMs),
		EntryFee:     decimal.Zero,
		SafetyBelt:   false,
		SafetyFee:    decimal.Zero,
		Duration:     human.Duration,
		JoinedAt:     now,
		ExpiresAt:    now,
		Synthetic:    true,
	}
}

func (s *Synthesizer) pickStance(exclude string) string {
	var candidates []string
	for _, st := range model.Stances() {
		if st != exclude {
			candidates = append(candidates, st)
		}
	}
	return candidates[s.intN(len(candidates))]
}

// ping jitters humanPing by up to 10ms and clamps to [MinPingMs, MaxPingMs].
// If the clamp would push the result outside the matcher's ping tolerance, the
// tolerance wins.
func (s *Synthesizer) ping(humanPing int) int {
	p := humanPing + s.intN(2*pingJitterMs+1) - pingJitterMs
	p = clamp(p, MinPingMs, MaxPingMs)
	return clamp(p, humanPing-s.maxPingDiff, humanPing+s.maxPingDiff)
}

func (s *Synthesizer) label(ctx context.Context, stance string) string {
	if s.labeler == nil {
		return FallbackLabel
	}

	if s.labelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.labelTimeout)
		defer cancel()
	}

	label, err := s.labeler.Label(ctx, stance)
	if err != nil {
		log.Warn().Err(err).Str("stance", stance).Msg("Label generation failed, using fallback")
		return FallbackLabel
	}
	return label
}

// IsSynthetic reports whether userID belongs to a synthetic opponent.
func IsSynthetic(userID string) bool {
	return len(userID) > len(syntheticPrefix) && userID[:len(syntheticPrefix)] == syntheticPrefix
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
