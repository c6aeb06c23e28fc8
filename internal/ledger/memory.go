package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trivia-duel/internal/model"
	"trivia-duel/internal/pkg/lock"
)

// MemoryStore is an in-process Store. Mutations on one account are serialized
// by a per-user lock; different accounts proceed in parallel.
type MemoryStore struct {
	users *lock.UserLock
	grant decimal.Decimal
	now   func() time.Time

	mu       sync.RWMutex
	accounts map[string]model.CreditAccount
	events   map[string][]model.LedgerEvent
}

// NewMemoryStore creates an empty store that opens accounts with grant.
func NewMemoryStore(grant decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		users:    lock.NewUserLock(),
		grant:    grant,
		now:      func() time.Time { return time.Now().UTC() },
		accounts: make(map[string]model.CreditAccount),
		events:   make(map[string][]model.LedgerEvent),
	}
}

// Apply implements Store.
func (s *MemoryStore) Apply(ctx context.Context, userID, matchID string, fn Mutation) (*model.CreditAccount, *model.LedgerEvent, error) {
	if err := s.users.LockContext(ctx, userID, 0); err != nil {
		return nil, nil, err
	}
	defer s.users.Unlock(userID)

	acct := s.ensure(userID)

	var state MatchState
	if matchID != "" {
		s.mu.RLock()
		for i := range s.events[userID] {
			if ev := &s.events[userID][i]; ev.MatchID == matchID {
				state.Add(ev)
			}
		}
		s.mu.RUnlock()
	}

	ev, err := fn(&acct, state)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.accounts[userID] = acct
	s.events[userID] = append(s.events[userID], *ev)
	s.mu.Unlock()

	out := acct
	return &out, ev, nil
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(ctx context.Context, userID string) (*model.CreditAccount, error) {
	if err := s.users.LockContext(ctx, userID, 0); err != nil {
		return nil, err
	}
	defer s.users.Unlock(userID)

	acct := s.ensure(userID)
	return &acct, nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, userID string, limit int) ([]model.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[userID]
	out := make([]model.LedgerEvent, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// ensure returns a copy of the account, opening it if absent. The caller holds the user lock.
func (s *MemoryStore) ensure(userID string) model.CreditAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok {
		return acct
	}
	acct, ev := OpeningGrant(userID, s.grant, s.now())
	s.accounts[userID] = *acct
	if ev != nil {
		s.events[userID] = append(s.events[userID], *ev)
	}
	return *acct
}
