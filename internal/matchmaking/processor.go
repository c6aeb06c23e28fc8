package matchmaking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trivia-duel/internal/model"
)

// QueueStore is the queue surface a pass needs.
type QueueStore interface {
	LoadActive(ctx context.Context, now time.Time) ([]model.QueueEntry, error)
	Claim(ctx context.Context, userID string) (bool, error)
	Restore(ctx context.Context, e *model.QueueEntry) (bool, error)
	Consume(ctx context.Context, e *model.QueueEntry) (bool, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// OpponentSynthesizer produces a stand-in for a human who waited too long.
type OpponentSynthesizer interface {
	Synthesize(ctx context.Context, human *model.QueueEntry, now time.Time) model.QueueEntry
}

// Publisher announces match lifecycle events. Failures never affect a pass.
type Publisher interface {
	MatchCreated(ctx context.Context, m *model.Match) error
	MatchSettled(ctx context.Context, m *model.Match) error
}

// PassSummary counts what one pass did.
type PassSummary struct {
	PassID         string        `json:"passId"`
	Loaded         int           `json:"loaded"`
	Paired         int           `json:"paired"`
	Created        int           `json:"created"`
	Synthetic      int           `json:"synthetic"`
	Failed         int           `json:"failed"`
	Dropped        int           `json:"dropped"`
	Swept          int           `json:"swept"`
	Duration       time.Duration `json:"duration"`
	LoadFailed     bool          `json:"loadFailed,omitempty"`
	CreatedMatches []string      `json:"createdMatches,omitempty"`
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Rules         Rules
	WaitThreshold time.Duration
}

// Processor runs matchmaking passes. Concurrent passes are safe: entries are
// claimed before use and only the claiming pass may consume or restore them.
type Processor struct {
	queue     QueueStore
	creator   *Creator
	synth     OpponentSynthesizer
	publisher Publisher
	cfg       ProcessorConfig
	now       func() time.Time
}

// NewProcessor creates a new Processor. publisher may be nil.
func NewProcessor(queue QueueStore, creator *Creator, synth OpponentSynthesizer, publisher Publisher, cfg ProcessorConfig) *Processor {
	return &Processor{
		queue:     queue,
		creator:   creator,
		synth:     synth,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunPass loads the queue, pairs compatible entries, matches long waiters with
// synthetic opponents and sweeps expired entries.
func (p *Processor) RunPass(ctx context.Context) PassSummary {
	start := p.now()
	sum := PassSummary{PassID: uuid.NewString()}
	logger := log.With().Str("pass_id", sum.PassID).Logger()

	entries, err := p.queue.LoadActive(ctx, start)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load queue")
		sum.LoadFailed = true
	}
	sum.Loaded = len(entries)

	pairs := Match(entries, p.cfg.Rules)
	sum.Paired = len(pairs)
	paired := make(map[string]bool, 2*len(pairs))
	for _, pair := range pairs {
		paired[pair.A.UserID] = true
		paired[pair.B.UserID] = true
		if ctx.Err() != nil {
			break
		}
		p.createPair(ctx, pair, &sum)
	}

	for i := range entries {
		e := entries[i]
		if paired[e.UserID] || ctx.Err() != nil {
			continue
		}
		if start.Sub(e.JoinedAt) <= p.cfg.WaitThreshold {
			continue
		}
		p.createSynthetic(ctx, e, start, &sum)
	}

	swept, err := p.queue.SweepExpired(ctx, start)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to sweep expired entries")
	}
	sum.Swept = swept
	sum.Duration = p.now().Sub(start)

	logger.Info().
		Int("loaded", sum.Loaded).
		Int("paired", sum.Paired).
		Int("created", sum.Created).
		Int("synthetic", sum.Synthetic).
		Int("failed", sum.Failed).
		Int("dropped", sum.Dropped).
		Int("expired_swept", sum.Swept).
		Dur("duration", sum.Duration).
		Msg("Matchmaking pass complete")
	return sum
}

func (p *Processor) createPair(ctx context.Context, pair Pair, sum *PassSummary) {
	a, b := pair.A, pair.B
	if !p.claim(ctx, &a) {
		return
	}
	if !p.claim(ctx, &b) {
		p.restore(ctx, &a)
		return
	}

	m, err := p.creator.Create(ctx, &a, &b, false, "matchmaker")
	if err != nil {
		sum.Failed++
		p.handleFailure(ctx, err, sum, &a, &b)
		return
	}

	p.consume(ctx, &a)
	p.consume(ctx, &b)
	p.created(ctx, m, sum)
}

func (p *Processor) createSynthetic(ctx context.Context, human model.QueueEntry, now time.Time, sum *PassSummary) {
	if !p.claim(ctx, &human) {
		return
	}

	opp := p.synth.Synthesize(ctx, &human, now)
	m, err := p.creator.Create(ctx, &human, &opp, true, "matchmaker-synthetic")
	if err != nil {
		sum.Failed++
		p.handleFailure(ctx, err, sum, &human)
		return
	}

	p.consume(ctx, &human)
	sum.Synthetic++
	p.created(ctx, m, sum)
}

// handleFailure drops the entry of a participant who can no longer pay and
// restores the rest for the next pass.
func (p *Processor) handleFailure(ctx context.Context, err error, sum *PassSummary, claimed ...*model.QueueEntry) {
	fe, refused := isFundingRefusal(err)
	users := make([]string, 0, len(claimed))
	for _, e := range claimed {
		users = append(users, e.UserID)
	}
	ev := log.Error()
	if refused {
		ev = log.Warn()
	}
	ev.Err(err).Strs("users", users).Msg("Match creation failed")

	for _, e := range claimed {
		if refused && fe.UserID == e.UserID {
			p.consume(ctx, e)
			sum.Dropped++
			log.Info().Str("user_id", e.UserID).Msg("Dropped queue entry with insufficient funds")
			continue
		}
		p.restore(ctx, e)
	}
}

func (p *Processor) created(ctx context.Context, m *model.Match, sum *PassSummary) {
	sum.Created++
	sum.CreatedMatches = append(sum.CreatedMatches, m.MatchID)
	if p.publisher == nil {
		return
	}
	if err := p.publisher.MatchCreated(ctx, m); err != nil {
		log.Warn().Err(err).Str("match_id", m.MatchID).Msg("Failed to publish match created")
	}
}

func (p *Processor) claim(ctx context.Context, e *model.QueueEntry) bool {
	ok, err := p.queue.Claim(ctx, e.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", e.UserID).Msg("Failed to claim queue entry")
		return false
	}
	return ok
}

// restore uses a detached context so a cancelled pass does not strand claims.
func (p *Processor) restore(ctx context.Context, e *model.QueueEntry) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := p.queue.Restore(rctx, e); err != nil {
		log.Error().Err(err).Str("user_id", e.UserID).Msg("Failed to restore queue entry")
	}
}

func (p *Processor) consume(ctx context.Context, e *model.QueueEntry) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := p.queue.Consume(cctx, e); err != nil {
		log.Error().Err(err).Str("user_id", e.UserID).Msg("Failed to consume queue entry")
	}
}
