package opc

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLedgerReserveFailsWithoutMutationWhenInsufficient(t *testing.T) {
	l := NewLedger()
	l.Credit("USDT", decimal.NewFromInt(100))

	ok := l.Reserve("USDT", decimal.NewFromInt(200))
	if ok {
		t.Fatalf("expected reserve to fail")
	}
	snap := l.Snapshot("USDT")
	if snap.Free != 100 || snap.Locked != 0 {
		t.Fatalf("balance mutated on failed reserve: %+v", snap)
	}
}

func TestLedgerApplyFillRefundsOverReservation(t *testing.T) {
	l := NewLedger()
	l.Credit("USDT", decimal.NewFromInt(1000))
	l.Reserve("USDT", decimal.NewFromInt(500)) // reserved at a worse price than the fill

	l.ApplyFill("USDT", decimal.NewFromInt(500), decimal.NewFromInt(450), "BTC", decimal.NewFromFloat(0.01))

	usdt := l.Snapshot("USDT")
	if usdt.Locked != 0 {
		t.Fatalf("locked = %v, want 0", usdt.Locked)
	}
	if usdt.Free != 550 { // 500 unreserved + 50 refund
		t.Fatalf("free = %v, want 550", usdt.Free)
	}
	btc := l.Snapshot("BTC")
	if btc.Free != 0.01 {
		t.Fatalf("btc free = %v, want 0.01", btc.Free)
	}
}

func TestLedgerReleaseClampsToLocked(t *testing.T) {
	l := NewLedger()
	l.Credit("USDT", decimal.NewFromInt(100))
	l.Reserve("USDT", decimal.NewFromInt(40))

	l.Release("USDT", decimal.NewFromInt(1000)) // far more than locked

	snap := l.Snapshot("USDT")
	if snap.Locked != 0 {
		t.Fatalf("locked = %v, want 0", snap.Locked)
	}
	if snap.Free != 100 {
		t.Fatalf("free = %v, want 100", snap.Free)
	}
}
