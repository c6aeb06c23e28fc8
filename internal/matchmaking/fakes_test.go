package matchmaking

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"trivia-duel/internal/ledger"
	"trivia-duel/internal/model"
	"trivia-duel/internal/opponent"
	"trivia-duel/internal/pkg/apperr"
	"trivia-duel/internal/queue"
	"trivia-duel/internal/sequence"
)

type memMatches struct {
	mu        sync.Mutex
	byID      map[string]*model.Match
	createErr error
}

func newMemMatches() *memMatches {
	return &memMatches{byID: map[string]*model.Match{}}
}

func (m *memMatches) Create(_ context.Context, match *model.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *match
	m.byID[match.MatchID] = &cp
	return nil
}

func (m *memMatches) GetByID(_ context.Context, id string) (*model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.byID[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "match not found")
	}
	cp := *match
	return &cp, nil
}

func (m *memMatches) SetResult(_ context.Context, id string, res *model.MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.byID[id]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "match not found")
	}
	if match.Result != nil {
		return apperr.New(apperr.CodeAlreadySettled, "match already settled")
	}
	r := *res
	match.Result = &r
	return nil
}

func (m *memMatches) all() []*model.Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Match, 0, len(m.byID))
	for _, match := range m.byID {
		out = append(out, match)
	}
	return out
}

type memLibrary map[int][]model.Sequence

func (l memLibrary) ListByDuration(_ context.Context, sec int) ([]model.Sequence, error) {
	return l[sec], nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []string
	settled []string
	err     error
}

func (p *recordingPublisher) MatchCreated(_ context.Context, m *model.Match) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, m.MatchID)
	return p.err
}

func (p *recordingPublisher) MatchSettled(_ context.Context, m *model.Match) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, m.MatchID)
	return p.err
}

// failingLedger refuses holds for one user.
type failingLedger struct {
	*ledger.Ledger
	refuse string
}

func (f *failingLedger) Hold(ctx context.Context, userID string, amount decimal.Decimal, matchID string) (*model.LedgerEvent, error) {
	if userID == f.refuse {
		return nil, apperr.ErrInsufficientFunds
	}
	return f.Ledger.Hold(ctx, userID, amount, matchID)
}

// flakyLedger fails the next rewardFailures winner payouts.
type flakyLedger struct {
	*ledger.Ledger
	rewardFailures int
}

func (f *flakyLedger) RewardRemaining(ctx context.Context, userID string, total decimal.Decimal, matchID string) (*model.LedgerEvent, error) {
	if f.rewardFailures > 0 {
		f.rewardFailures--
		return nil, apperr.ErrDependencyUnavailable
	}
	return f.Ledger.RewardRemaining(ctx, userID, total, matchID)
}

type harness struct {
	ledger    *ledger.Ledger
	queue     *queue.Store
	matches   *memMatches
	library   memLibrary
	publisher *recordingPublisher
	creator   *Creator
	proc      *Processor
	mr        *miniredis.Miniredis
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		ledger:    ledger.New(ledger.NewMemoryStore(decimal.NewFromInt(100)), ledger.Config{MaxRetries: 3, RetryBase: time.Millisecond}),
		queue:     queue.NewStore(rdb),
		matches:   newMemMatches(),
		publisher: &recordingPublisher{},
		mr:        mr,
		now:       time.Now().UTC().Truncate(time.Millisecond),
		library: memLibrary{
			30: {{ID: "seq-30", DurationSec: 30, Title: "Short", QuestionIDs: []string{"q1", "q2"}}},
			45: {{ID: "seq-45", DurationSec: 45, Title: "Long", QuestionIDs: []string{"q3", "q4"}}},
		},
	}
	h.creator = NewCreator(h.ledger, sequence.NewSelector(h.library), h.matches)
	h.proc = NewProcessor(h.queue, h.creator, opponent.NewSynthesizer(nil, 0, 60), h.publisher, ProcessorConfig{
		Rules:         defaultRules,
		WaitThreshold: 30 * time.Second,
	})
	h.proc.now = func() time.Time { return h.now }
	return h
}

func (h *harness) join(t *testing.T, userID, stance string, ping int, fee int64, duration int, waited time.Duration) model.QueueEntry {
	t.Helper()
	e := qe(userID, stance, ping, fee, duration, h.now.Add(-waited))
	if err := h.queue.Put(context.Background(), &e); err != nil {
		t.Fatalf("put %s: %v", userID, err)
	}
	return e
}

func (h *harness) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	acct, err := h.ledger.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return acct.Balance
}
