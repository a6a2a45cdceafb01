package opc

import (
	"sync"

	"github.com/shopspring/decimal"
)

// assetBalance is one asset's free/locked split. free+locked is conserved
// across every operation except a fill (which moves value between the
// two) or an explicit external credit/debit.
type assetBalance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// BalanceSnapshot is a defensive, float64 copy of one asset's balance for
// external consumption (events, dashboards); internal arithmetic always
// stays in decimal.Decimal.
type BalanceSnapshot struct {
	Asset  string
	Free   float64
	Locked float64
}

// Ledger tracks free/locked balances per asset. It uses
// github.com/shopspring/decimal rather than float64 because reservation
// and refund arithmetic must never drift by floating-point error across
// thousands of fills.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]*assetBalance
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]*assetBalance)}
}

// Credit adds amount to an asset's free balance (e.g. initial funding or
// an external deposit).
func (l *Ledger) Credit(asset string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.getOrCreateLocked(asset)
	b.Free = b.Free.Add(amount)
}

func (l *Ledger) getOrCreateLocked(asset string) *assetBalance {
	b, ok := l.balances[asset]
	if !ok {
		b = &assetBalance{}
		l.balances[asset] = b
	}
	return b
}

// Reserve atomically moves amount from free to locked. It fails (without
// mutating anything) if free is insufficient.
func (l *Ledger) Reserve(asset string, amount decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.getOrCreateLocked(asset)
	if b.Free.LessThan(amount) {
		return false
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return true
}

// Release moves amount from locked back to free (a cancel releasing its
// reservation).
func (l *Ledger) Release(asset string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.getOrCreateLocked(asset)
	amt := amount
	if amt.GreaterThan(b.Locked) {
		amt = b.Locked // never drive locked negative on a rounding slip
	}
	b.Locked = b.Locked.Sub(amt)
	b.Free = b.Free.Add(amt)
}

// ApplyFill implements the §3 Balance fill rule for one side: the
// originally reserved amount is released from locked; any excess over the
// fill's actual cost (over-reservation, e.g. price improvement) is
// refunded to free on reservedAsset; creditAsset receives the fill
// quantity.
func (l *Ledger) ApplyFill(reservedAsset string, reservedAmount, actualCost decimal.Decimal, creditAsset string, creditAmount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reserved := l.getOrCreateLocked(reservedAsset)
	amt := reservedAmount
	if amt.GreaterThan(reserved.Locked) {
		amt = reserved.Locked
	}
	reserved.Locked = reserved.Locked.Sub(amt)

	refund := reservedAmount.Sub(actualCost)
	if refund.IsPositive() {
		reserved.Free = reserved.Free.Add(refund)
	}

	credit := l.getOrCreateLocked(creditAsset)
	credit.Free = credit.Free.Add(creditAmount)
}

// Snapshot returns a point-in-time copy of one asset's balance.
func (l *Ledger) Snapshot(asset string) BalanceSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.balances[asset]
	if !ok {
		return BalanceSnapshot{Asset: asset}
	}
	free, _ := b.Free.Float64()
	locked, _ := b.Locked.Float64()
	return BalanceSnapshot{Asset: asset, Free: free, Locked: locked}
}

// All returns a snapshot of every known asset, for the §6 "account" event.
func (l *Ledger) All() []BalanceSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]BalanceSnapshot, 0, len(l.balances))
	for asset, b := range l.balances {
		free, _ := b.Free.Float64()
		locked, _ := b.Locked.Float64()
		out = append(out, BalanceSnapshot{Asset: asset, Free: free, Locked: locked})
	}
	return out
}
