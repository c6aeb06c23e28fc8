package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"trivia-duel/internal/model"
)

type opKind int

const (
	opHold opKind = iota
	opRelease
	opDeduct
	opReward
	opWithdraw
	opGrant
)

func drawAmount(t *rapid.T, label string) decimal.Decimal {
	cents := rapid.Int64Range(1, 8000).Draw(t, label)
	return decimal.New(cents, -2)
}

func runOp(ctx context.Context, l *Ledger, kind opKind, userID, matchID string, amount decimal.Decimal) error {
	var err error
	switch kind {
	case opHold:
		_, err = l.Hold(ctx, userID, amount, matchID)
	case opRelease:
		_, err = l.Release(ctx, userID, amount, matchID)
	case opDeduct:
		_, err = l.Deduct(ctx, userID, amount, matchID, "")
	case opReward:
		_, err = l.Reward(ctx, userID, amount, matchID)
	case opWithdraw:
		_, err = l.Withdraw(ctx, userID, amount)
	case opGrant:
		_, err = l.Grant(ctx, userID, amount, "")
	}
	return err
}

// checkChain verifies the history links and ends at the live balance.
func checkChain(t *rapid.T, l *Ledger, userID string) {
	ctx := context.Background()
	history, err := l.GetHistory(ctx, userID, MaxHistoryLimit)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	acct, err := l.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if acct.Balance.IsNegative() {
		t.Fatalf("negative balance %s", acct.Balance)
	}

	// history is newest first
	for i := len(history) - 1; i > 0; i-- {
		older, newer := history[i], history[i-1]
		if !older.BalanceAfter.Equal(newer.BalanceBefore) {
			t.Fatalf("chain broken between %s and %s: %s != %s",
				older.Type, newer.Type, older.BalanceAfter, newer.BalanceBefore)
		}
	}
	if len(history) > 0 && !history[0].BalanceAfter.Equal(acct.Balance) {
		t.Fatalf("last balanceAfter %s != live balance %s", history[0].BalanceAfter, acct.Balance)
	}
	for _, ev := range history {
		if ev.BalanceAfter.IsNegative() {
			t.Fatalf("event %s left balance negative", ev.Type)
		}
		if ev.Type == model.EventDeduct && !ev.BalanceAfter.Equal(ev.BalanceBefore) {
			t.Fatalf("deduct changed balance")
		}
	}
}

func TestLedgerConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New(NewMemoryStore(decimal.NewFromInt(100)), Config{MaxRetries: 1, RetryBase: time.Millisecond})
		ctx := context.Background()

		numOps := rapid.IntRange(1, 60).Draw(t, "numOps")
		for i := 0; i < numOps; i++ {
			kind := opKind(rapid.IntRange(int(opHold), int(opGrant)).Draw(t, "kind"))
			matchID := fmt.Sprintf("m%d", rapid.IntRange(1, 3).Draw(t, "match"))
			_ = runOp(ctx, l, kind, "u", matchID, drawAmount(t, "amount"))
		}

		checkChain(t, l, "u")
	})
}

func TestLedgerConcurrentConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New(NewMemoryStore(decimal.NewFromInt(100)), Config{MaxRetries: 1, RetryBase: time.Millisecond})
		ctx := context.Background()

		type op struct {
			kind    opKind
			matchID string
			amount  decimal.Decimal
		}
		numOps := rapid.IntRange(2, 40).Draw(t, "numOps")
		ops := make([]op, numOps)
		for i := range ops {
			ops[i] = op{
				kind:    opKind(rapid.IntRange(int(opHold), int(opGrant)).Draw(t, "kind")),
				matchID: fmt.Sprintf("m%d", rapid.IntRange(1, 2).Draw(t, "match")),
				amount:  drawAmount(t, "amount"),
			}
		}

		var wg sync.WaitGroup
		for _, o := range ops {
			wg.Add(1)
			go func(o op) {
				defer wg.Done()
				_ = runOp(ctx, l, o.kind, "u", o.matchID, o.amount)
			}(o)
		}
		wg.Wait()

		checkChain(t, l, "u")
	})
}

func TestHoldReleaseRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New(NewMemoryStore(decimal.NewFromInt(100)), Config{})
		ctx := context.Background()

		if topUp := rapid.Int64Range(0, 10000).Draw(t, "topUpCents"); topUp > 0 {
			if _, err := l.Grant(ctx, "u", decimal.New(topUp, -2), "top up"); err != nil {
				t.Fatalf("grant: %v", err)
			}
		}
		before, _ := l.GetBalance(ctx, "u")

		amount := decimal.New(rapid.Int64Range(1, before.Balance.Shift(2).IntPart()).Draw(t, "cents"), -2)
		if _, err := l.Hold(ctx, "u", amount, "m"); err != nil {
			t.Fatalf("hold: %v", err)
		}
		if _, err := l.Release(ctx, "u", amount, "m"); err != nil {
			t.Fatalf("release: %v", err)
		}

		after, _ := l.GetBalance(ctx, "u")
		if !after.Balance.Equal(before.Balance) {
			t.Fatalf("round trip changed balance: %s -> %s", before.Balance, after.Balance)
		}
	})
}
