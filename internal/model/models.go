// Package model defines the data models for the trivia duel engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// QueueEntry is a request to be matched. At most one live entry exists per user.
type QueueEntry struct {
	UserID       string          `json:"userId"`
	StanceType   string          `json:"stanceType"`
	PersonaLabel string          `json:"personaLabel"`
	PingMs       int             `json:"pingMs"`
	EntryFee     decimal.Decimal `json:"entryFee"`
	SafetyBelt   bool            `json:"safetyBelt"`
	SafetyFee    decimal.Decimal `json:"safetyFee"`
	Duration     int             `json:"duration"`
	JoinedAt     time.Time       `json:"joinedAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Synthetic    bool            `json:"synthetic,omitempty"`
}

// Stake returns the total amount held for this entry when a match is created.
func (e *QueueEntry) Stake() decimal.Decimal {
	return e.EntryFee.Add(e.SafetyFee)
}

// CreditAccount holds a user's available credits and lifetime counters.
// It is mutated only through ledger operations.
type CreditAccount struct {
	UserID            string          `json:"userId"`
	Balance           decimal.Decimal `json:"balance"`
	TotalGranted      decimal.Decimal `json:"totalGranted"`
	TotalSpent        decimal.Decimal `json:"totalSpent"`
	TotalEarned       decimal.Decimal `json:"totalEarned"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	LastTransactionAt time.Time       `json:"lastTransactionAt"`
}

// EventType categorizes ledger events.
type EventType string

// Ledger event types.
const (
	EventGrant    EventType = "GRANT"
	EventHold     EventType = "HOLD"
	EventRelease  EventType = "RELEASE"
	EventDeduct   EventType = "DEDUCT"
	EventReward   EventType = "REWARD"
	EventWithdraw EventType = "WITHDRAW"
)

// LedgerEvent is an immutable entry in an account's history.
type LedgerEvent struct {
	EventID       string            `json:"eventId"`
	UserID        string            `json:"userId"`
	Type          EventType         `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceBefore decimal.Decimal   `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal   `json:"balanceAfter"`
	MatchID       string            `json:"matchId,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Side identifies a slot in a match.
type Side string

// Match sides.
const (
	SideA Side = "A"
	SideB Side = "B"
)

// MatchPlayer is the public info of one participant.
type MatchPlayer struct {
	UserID       string `json:"userId"`
	StanceType   string `json:"stanceType"`
	PersonaLabel string `json:"personaLabel"`
	PingMs       int    `json:"pingMs"`
	Synthetic    bool   `json:"synthetic,omitempty"`
}

// MatchEntry mirrors the fee terms a participant queued with.
type MatchEntry struct {
	EntryFee   decimal.Decimal `json:"entryFee"`
	SafetyBelt bool            `json:"safetyBelt"`
	SafetyFee  decimal.Decimal `json:"safetyFee"`
}

// MatchHolds is the amount escrowed per side.
type MatchHolds struct {
	A decimal.Decimal `json:"A"`
	B decimal.Decimal `json:"B"`
}

// Of returns the hold for the given side.
func (h MatchHolds) Of(side Side) decimal.Decimal {
	if side == SideB {
		return h.B
	}
	return h.A
}

// MatchResult is written exactly once by settlement.
type MatchResult struct {
	Winner    Side            `json:"winner,omitempty"`
	ScoreA    int             `json:"scoreA"`
	ScoreB    int             `json:"scoreB"`
	Reward    decimal.Decimal `json:"reward"`
	Deduction decimal.Decimal `json:"deduction"`
	SettledAt time.Time       `json:"settledAt"`
}

// MatchAudit carries creation metadata.
type MatchAudit struct {
	Synthetic     bool   `json:"synthetic"`
	SyntheticSide Side   `json:"syntheticSide,omitempty"`
	CreatedBy     string `json:"createdBy"`
}

// Match is created once per pairing. Core fields are write-once; Result is
// populated later by settlement.
type Match struct {
	MatchID     string       `json:"matchId"`
	CreatedAt   time.Time    `json:"createdAt"`
	DurationSec int          `json:"durationSec"`
	PlayerA     MatchPlayer  `json:"playerA"`
	PlayerB     MatchPlayer  `json:"playerB"`
	EntryA      MatchEntry   `json:"entryA"`
	EntryB      MatchEntry   `json:"entryB"`
	Holds       MatchHolds   `json:"holds"`
	Result      *MatchResult `json:"result"`
	SequenceID  string       `json:"sequenceId"`
	Audit       MatchAudit   `json:"audit"`
}

// Player returns the participant on the given side.
func (m *Match) Player(side Side) MatchPlayer {
	if side == SideB {
		return m.PlayerB
	}
	return m.PlayerA
}

// HasParticipant reports whether userID plays in the match.
func (m *Match) HasParticipant(userID string) bool {
	return m.PlayerA.UserID == userID || m.PlayerB.UserID == userID
}

// Sequence is a pre-assembled ordered list of question references.
type Sequence struct {
	ID          string   `json:"id"`
	DurationSec int      `json:"durationSec"`
	Title       string   `json:"title"`
	QuestionIDs []string `json:"questionIds"`
}

// Stance taxonomy. Matching requires opposing stances.
const (
	StanceProgressiveLeft   = "progressive-left"
	StanceConservativeRight = "conservative-right"
	StanceCentristModerate  = "centrist-moderate"
	StanceTraditionalLeft   = "traditional-left"
	StanceLibertarianRight  = "libertarian-right"
)

// Stances returns the fixed stance taxonomy.
func Stances() []string {
	return []string{
		StanceProgressiveLeft,
		StanceConservativeRight,
		StanceCentristModerate,
		StanceTraditionalLeft,
		StanceLibertarianRight,
	}
}

// IsKnownStance reports whether s belongs to the taxonomy.
func IsKnownStance(s string) bool {
	for _, st := range Stances() {
		if st == s {
			return true
		}
	}
	return false
}
