// Package matchmaking pairs queued players, creates matches with escrowed
// stakes and applies settlement results.
package matchmaking

import (
	"github.com/shopspring/decimal"

	"trivia-duel/internal/model"
	"trivia-duel/internal/queue"
)

// Rules are the pairing tolerances.
type Rules struct {
	MaxPingDiffMs int
	MaxFeeDiff    decimal.Decimal
}

// Pair is two compatible entries. A is the anchor, the entry closer to expiry.
type Pair struct {
	A model.QueueEntry
	B model.QueueEntry
}

// Compatible reports whether a and b may be paired: opposing stances, equal
// duration, and ping and base entry fee within tolerance. The safety fee is
// not part of the fee comparison.
func (r Rules) Compatible(a, b *model.QueueEntry) bool {
	if a.UserID == b.UserID {
		return false
	}
	if a.StanceType == b.StanceType {
		return false
	}
	if a.Duration != b.Duration {
		return false
	}
	if abs(a.PingMs-b.PingMs) > r.MaxPingDiffMs {
		return false
	}
	return a.EntryFee.Sub(b.EntryFee).Abs().LessThanOrEqual(r.MaxFeeDiff)
}

// Match greedily pairs entries. Entries are considered by ascending expiresAt,
// then joinedAt; each unmatched anchor takes the first compatible entry after
// it. The input slice is not modified.
func Match(entries []model.QueueEntry, rules Rules) []Pair {
	ordered := make([]model.QueueEntry, len(entries))
	copy(ordered, entries)
	queue.SortEntries(ordered)

	used := make([]bool, len(ordered))
	var pairs []Pair
	for i := range ordered {
		if used[i] {
			continue
		}
		for j := i + 1; j < len(ordered); j++ {
			if used[j] || !rules.Compatible(&ordered[i], &ordered[j]) {
				continue
			}
			used[i], used[j] = true, true
			pairs = append(pairs, Pair{A: ordered[i], B: ordered[j]})
			break
		}
	}
	return pairs
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
