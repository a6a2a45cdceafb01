// Package opc is the Order & Position Core: the authoritative in-memory
// state for open orders, fills, reserved balances, and per-venue
// positions, journaled to a write-ahead log so a crash loses nothing
// committed. See internal/wal for the durability layer this package
// drives.
package opc

import (
	"time"

	"veloz-core/pkg/types"
)

// RejectReason enumerates the store/risk rejection codes from spec §4.1.1
// and §7.
type RejectReason string

const (
	ReasonDuplicateClientOrderID RejectReason = "duplicate_client_order_id"
	ReasonInsufficientFunds      RejectReason = "insufficient_funds"
	ReasonPriceBand              RejectReason = "price_band"
	ReasonRateLimit              RejectReason = "rate_limit"
	ReasonSizeLimit              RejectReason = "size_limit"
	ReasonRiskRejected           RejectReason = "risk_rejected"
	ReasonUnknownSymbol          RejectReason = "unknown_symbol"
	ReasonStrategyFrozen         RejectReason = "strategy_frozen"
	ReasonUnknownOrder           RejectReason = "unknown_order"
)

// PendingReservation is attached to every accepted order: the asset
// reserved, the amount locked, and a due-fill deadline used only by local
// simulator-style adapters.
type PendingReservation struct {
	ClientOrderID string
	Asset         string
	Amount        float64
	DueAtNs       int64 // informational for live venues
}

// Order is the authoritative record for one client order, mutated only by
// fills, updates, and cancels, reaching exactly one terminal state.
type Order struct {
	ClientOrderID string
	VenueOrderID  string
	Symbol        types.Symbol
	Side          types.Side
	Type          types.OrderType
	TIF           types.TimeInForce
	Qty           float64
	Price         *float64
	ReduceOnly    bool
	PostOnly      bool
	Venue         types.Venue

	Status       types.OrderStatus
	CumQty       float64
	AvgPrice     float64
	Reason       string
	CreatedNs    int64
	LastUpdateNs int64
}

// snapshot returns a defensive copy, since callers must never observe a
// pointer into store-owned state (§9 Ownership).
func (o *Order) snapshot() Order {
	cp := *o
	if o.Price != nil {
		p := *o.Price
		cp.Price = &p
	}
	return cp
}

// Decision is the outcome of Store.Place.
type Decision struct {
	Accepted     bool
	VenueOrderID string // assigned on accept; empty otherwise
	Reservation  PendingReservation
	Reason       RejectReason
}

// CancelDecision is the outcome of Store.Cancel.
type CancelDecision struct {
	Found       bool
	Reservation PendingReservation // released reservation, if Found
	Reason      RejectReason       // "unknown_order" if !Found
}

const qtyEpsilon = 1e-8

func quantitiesEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= qtyEpsilon
}

func nowNs() int64 { return time.Now().UnixNano() }
