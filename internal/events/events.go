// Package events emits the line-delimited JSON event stream described in
// the external interfaces: one JSON object per line, UTF-8, newline
// terminated, flushed after every write, with writes serialized so lines
// never interleave. Consumers (dashboards, audit pipelines, tests) read
// the stream independently of the WAL; the WAL is the durability record,
// this stream is the observability record.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"veloz-core/internal/opc"
	"veloz-core/pkg/types"
)

// Market is a reference-price tick.
type Market struct {
	Type   string       `json:"type"`
	Symbol types.Symbol `json:"symbol"`
	TsNs   int64        `json:"ts_ns"`
	Price  float64      `json:"price"`
}

// Fill is one fill notification.
type Fill struct {
	Type          string       `json:"type"`
	TsNs          int64        `json:"ts_ns"`
	ClientOrderID string       `json:"client_order_id"`
	Symbol        types.Symbol `json:"symbol"`
	Qty           float64      `json:"qty"`
	Price         float64      `json:"price"`
}

// OrderUpdate is a partial delta on one order; fields the caller doesn't
// know yet (e.g. venue_order_id before ack) are left zero and omitted.
type OrderUpdate struct {
	Type          string            `json:"type"`
	TsNs          int64             `json:"ts_ns"`
	ClientOrderID string            `json:"client_order_id"`
	VenueOrderID  string            `json:"venue_order_id,omitempty"`
	Status        types.OrderStatus `json:"status,omitempty"`
	Symbol        types.Symbol      `json:"symbol,omitempty"`
	Side          types.Side        `json:"side,omitempty"`
	Qty           float64           `json:"qty,omitempty"`
	Price         float64           `json:"price,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// OrderState is the full order snapshot, emitted on demand (e.g. after
// reconciliation correction) rather than on every delta.
type OrderState struct {
	Type  string    `json:"type"`
	TsNs  int64     `json:"ts_ns"`
	Order opc.Order `json:"order"`
}

// Balance is one asset's free/locked split within an account event.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Account carries the full balance snapshot.
type Account struct {
	Type     string    `json:"type"`
	TsNs     int64     `json:"ts_ns"`
	Balances []Balance `json:"balances"`
}

// Error reports an operational failure as a stream event rather than a
// panic; the caller decides separately whether the failure is fatal.
type Error struct {
	Type    string `json:"type"`
	TsNs    int64  `json:"ts_ns"`
	Message string `json:"message"`
}

// Writer serializes event emission onto one underlying sink. Its zero
// value is not usable; construct with New.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// New wraps out (typically an *os.File opened for append, or a
// multi-writer fanning out to a file and a socket).
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

func (w *Writer) emit(payload any) error {
	line, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.out.Write(line); err != nil {
		return fmt.Errorf("events: write: %w", err)
	}
	if _, err := w.out.Write([]byte("\n")); err != nil {
		return fmt.Errorf("events: write newline: %w", err)
	}
	if f, ok := w.out.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	if f, ok := w.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Market emits a market tick.
func (w *Writer) Market(e Market) error {
	e.Type = "market"
	return w.emit(e)
}

// Fill emits a fill.
func (w *Writer) Fill(e Fill) error {
	e.Type = "fill"
	return w.emit(e)
}

// OrderUpdate emits a partial order delta.
func (w *Writer) OrderUpdate(e OrderUpdate) error {
	e.Type = "order_update"
	return w.emit(e)
}

// OrderState emits a full order snapshot.
func (w *Writer) OrderState(e OrderState) error {
	e.Type = "order_state"
	return w.emit(e)
}

// Account emits a balance snapshot.
func (w *Writer) Account(e Account) error {
	e.Type = "account"
	return w.emit(e)
}

// Error emits an error event; it never returns the write failure as a
// panic, only as an error the caller may log and continue past.
func (w *Writer) Error(e Error) error {
	e.Type = "error"
	return w.emit(e)
}

// BalancesFromSnapshots adapts opc.Ledger.All()'s output to the account
// event's Balance shape.
func BalancesFromSnapshots(snapshots []opc.BalanceSnapshot) []Balance {
	out := make([]Balance, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, Balance{Asset: s.Asset, Free: s.Free, Locked: s.Locked})
	}
	return out
}
