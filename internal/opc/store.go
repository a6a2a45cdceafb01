package opc

import (
	"sync"

	"github.com/shopspring/decimal"

	"veloz-core/internal/wal"
	"veloz-core/pkg/types"
)

// SymbolInfo describes a tradeable symbol for the purposes of balance
// reservation and price-band checks: its quote asset (reserved on buys)
// and base asset (reserved on sells, credited on buy fills).
type SymbolInfo struct {
	BaseAsset  string
	QuoteAsset string
}

// Store is the single source of truth for orders, fills, and balances
// within the process. Every mutating operation journals to WAL before the
// mutation becomes observable, per §4.1.1's atomicity contract.
type Store struct {
	mu sync.RWMutex

	wal     *wal.WAL
	ledger  *Ledger
	symbols map[types.Symbol]SymbolInfo

	orders map[string]*Order // keyed by client_order_id
	due    []PendingReservation
}

// NewStore creates an empty Store over ledger. The caller opens its WAL
// with store.ApplyReplayEntry as the replay callback, then calls
// AttachWAL with the resulting handle before serving traffic; see
// replay.go.
func NewStore(ledger *Ledger, symbols map[types.Symbol]SymbolInfo) *Store {
	return &Store{
		ledger:  ledger,
		symbols: symbols,
		orders:  make(map[string]*Order),
	}
}

func venueOrderIDFor(clientOrderID string) string {
	return "v-" + clientOrderID
}

// Place implements §4.1.1 place: atomic reserve + insert + journal, or no
// state change at all.
func (s *Store) Place(req types.PlaceOrderRequest, nowNs int64) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[req.ClientOrderID]; exists {
		return Decision{Reason: ReasonDuplicateClientOrderID}
	}

	info, ok := s.symbols[req.Symbol]
	if !ok {
		return Decision{Reason: ReasonUnknownSymbol}
	}

	var asset string
	var amount decimal.Decimal
	if req.Side == types.Buy {
		asset = info.QuoteAsset
		if req.Price == nil {
			return Decision{Reason: ReasonInsufficientFunds} // market buy notional unknown here; risk layer gates this
		}
		amount = decimal.NewFromFloat(req.Qty).Mul(decimal.NewFromFloat(*req.Price))
	} else {
		asset = info.BaseAsset
		amount = decimal.NewFromFloat(req.Qty)
	}

	if !s.ledger.Reserve(asset, amount) {
		return Decision{Reason: ReasonInsufficientFunds}
	}

	venueOrderID := venueOrderIDFor(req.ClientOrderID)
	amountF, _ := amount.Float64()

	rec := wal.OrderNewRecord{
		ClientOrderID: req.ClientOrderID,
		Symbol:        string(req.Symbol),
		Side:          sideCode(req.Side),
		Type:          typeCode(req.Type),
		TIF:           tifCode(req.TIF),
		Qty:           req.Qty,
		HasPrice:      req.Price != nil,
	}
	if req.Price != nil {
		rec.Price = *req.Price
	}
	if _, err := s.wal.LogOrderNew(uint64(nowNs), rec); err != nil {
		s.ledger.Release(asset, amount) // undo reservation; the place never happened
		return Decision{Reason: ReasonInsufficientFunds}
	}

	order := &Order{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  venueOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TIF:           req.TIF,
		Qty:           req.Qty,
		Price:         req.Price,
		ReduceOnly:    req.ReduceOnly,
		PostOnly:      req.PostOnly,
		Venue:         req.Venue,
		Status:        types.StatusAccepted,
		CreatedNs:     nowNs,
		LastUpdateNs:  nowNs,
	}
	s.orders[req.ClientOrderID] = order

	reservation := PendingReservation{ClientOrderID: req.ClientOrderID, Asset: asset, Amount: amountF, DueAtNs: 0}
	s.due = append(s.due, reservation)

	return Decision{Accepted: true, VenueOrderID: venueOrderID, Reservation: reservation}
}

// Cancel implements §4.1.1 cancel: releasing a reservation is atomic with
// removing the order from the open set.
func (s *Store) Cancel(clientOrderID string, nowNs int64) CancelDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[clientOrderID]
	if !ok || order.Status.IsTerminal() {
		return CancelDecision{Reason: ReasonUnknownOrder}
	}

	info := s.symbols[order.Symbol]
	asset, amount := s.remainingReservation(order, info)

	if _, err := s.wal.LogOrderCancel(uint64(nowNs), wal.OrderCancelRecord{
		ClientOrderID: clientOrderID,
		Reason:        "requested",
		TsNs:          nowNs,
	}); err != nil {
		return CancelDecision{Reason: ReasonUnknownOrder}
	}

	s.ledger.Release(asset, amount)
	order.Status = types.StatusCanceled
	order.LastUpdateNs = nowNs
	s.removeDue(clientOrderID)

	amountF, _ := amount.Float64()
	return CancelDecision{Found: true, Reservation: PendingReservation{ClientOrderID: clientOrderID, Asset: asset, Amount: amountF}}
}

func (s *Store) remainingReservation(o *Order, info SymbolInfo) (string, decimal.Decimal) {
	remainingQty := o.Qty - o.CumQty
	if o.Side == types.Buy {
		price := 0.0
		if o.Price != nil {
			price = *o.Price
		}
		return info.QuoteAsset, decimal.NewFromFloat(remainingQty).Mul(decimal.NewFromFloat(price))
	}
	return info.BaseAsset, decimal.NewFromFloat(remainingQty)
}

func (s *Store) removeDue(clientOrderID string) {
	for i, d := range s.due {
		if d.ClientOrderID == clientOrderID {
			s.due = append(s.due[:i], s.due[i+1:]...)
			return
		}
	}
}

// ApplyFill updates balances, cumulative quantity, VWAP, and status for
// fillQty@fillPrice, journaling an OrderFill record. Re-application of an
// already-applied (client_order_id, same cumulative result) fill during
// replay is a no-op because replay re-derives state from the WAL tail,
// not by calling ApplyFill twice for the same bytes.
func (s *Store) ApplyFill(clientOrderID string, fillQty, fillPrice float64, nowNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[clientOrderID]
	if !ok || order.Status.IsTerminal() {
		return nil // a fill on an unknown or already-terminal order is dropped, not fatal
	}

	info := s.symbols[order.Symbol]

	if _, err := s.wal.LogOrderFill(uint64(nowNs), wal.OrderFillRecord{
		ClientOrderID: clientOrderID,
		Symbol:        string(order.Symbol),
		Qty:           fillQty,
		Price:         fillPrice,
		TsNs:          nowNs,
	}); err != nil {
		return err
	}

	s.applyFillBalances(order, info, fillQty, fillPrice)

	prevCum := order.CumQty
	order.AvgPrice = (order.AvgPrice*prevCum + fillPrice*fillQty) / (prevCum + fillQty)
	order.CumQty = prevCum + fillQty
	order.LastUpdateNs = nowNs

	if quantitiesEqual(order.CumQty, order.Qty) || order.CumQty > order.Qty {
		order.Status = types.StatusFilled
		s.removeDue(clientOrderID)
	} else {
		order.Status = types.StatusPartiallyFilled
	}

	return nil
}

func (s *Store) applyFillBalances(o *Order, info SymbolInfo, fillQty, fillPrice float64) {
	if o.Side == types.Buy {
		var origPrice float64
		if o.Price != nil {
			origPrice = *o.Price
		} else {
			origPrice = fillPrice
		}
		reservedPortion := decimal.NewFromFloat(fillQty).Mul(decimal.NewFromFloat(origPrice))
		actualCost := decimal.NewFromFloat(fillQty).Mul(decimal.NewFromFloat(fillPrice))
		s.ledger.ApplyFill(info.QuoteAsset, reservedPortion, actualCost, info.BaseAsset, decimal.NewFromFloat(fillQty))
	} else {
		reservedPortion := decimal.NewFromFloat(fillQty)
		s.ledger.ApplyFill(info.BaseAsset, reservedPortion, reservedPortion, info.QuoteAsset, decimal.NewFromFloat(fillQty).Mul(decimal.NewFromFloat(fillPrice)))
	}
}

// ApplyOrderUpdate applies a status/reason transition if tsNs is strictly
// later than the order's last-update timestamp; otherwise it is a no-op
// (§4.1.1 strict monotonic guard). Terminal statuses are sticky.
func (s *Store) ApplyOrderUpdate(clientOrderID, venueOrderID string, status types.OrderStatus, reason string, tsNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[clientOrderID]
	if !ok {
		return nil
	}
	if tsNs <= order.LastUpdateNs {
		return nil
	}
	if order.Status.IsTerminal() {
		return nil
	}

	if _, err := s.wal.LogOrderUpdate(uint64(tsNs), wal.OrderUpdateRecord{
		ClientOrderID: clientOrderID,
		VenueOrderID:  venueOrderID,
		Status:        statusCode(status),
		Reason:        reason,
		TsNs:          tsNs,
	}); err != nil {
		return err
	}

	if venueOrderID != "" {
		order.VenueOrderID = venueOrderID
	}
	order.Status = status
	order.Reason = reason
	order.LastUpdateNs = tsNs
	if status.IsTerminal() {
		s.removeDue(clientOrderID)
	}
	return nil
}

// CollectDue returns and atomically removes all pending reservations whose
// due-fill deadline is <= now. Used only by simulator-style adapters.
func (s *Store) CollectDue(nowNs int64) []PendingReservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []PendingReservation
	var remaining []PendingReservation
	for _, d := range s.due {
		if d.DueAtNs != 0 && d.DueAtNs <= nowNs {
			due = append(due, d)
		} else {
			remaining = append(remaining, d)
		}
	}
	s.due = remaining
	return due
}

// Get returns a snapshot of one order, or false if unknown.
func (s *Store) Get(clientOrderID string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return o.snapshot(), true
}

// ListPending returns every order not yet in a terminal state.
func (s *Store) ListPending() []Order {
	return s.filter(func(o *Order) bool { return !o.Status.IsTerminal() })
}

// ListTerminal returns every order in a terminal state.
func (s *Store) ListTerminal() []Order {
	return s.filter(func(o *Order) bool { return o.Status.IsTerminal() })
}

// List returns every order known to the store.
func (s *Store) List() []Order {
	return s.filter(func(*Order) bool { return true })
}

func (s *Store) filter(pred func(*Order) bool) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		if pred(o) {
			out = append(out, o.snapshot())
		}
	}
	return out
}

// Checkpoint builds a wal.CheckpointRecord snapshotting every order, for
// the periodic checkpoint routine.
func (s *Store) Checkpoint() wal.CheckpointRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := make([]wal.OrderSnapshot, 0, len(s.orders))
	for _, o := range s.orders {
		snap := wal.OrderSnapshot{
			ClientOrderID: o.ClientOrderID,
			VenueOrderID:  o.VenueOrderID,
			Symbol:        string(o.Symbol),
			Side:          sideCode(o.Side),
			Type:          typeCode(o.Type),
			TIF:           tifCode(o.TIF),
			Qty:           o.Qty,
			HasPrice:      o.Price != nil,
			Status:        statusCode(o.Status),
			CumQty:        o.CumQty,
			AvgPrice:      o.AvgPrice,
			CreatedNs:     o.CreatedNs,
			LastUpdateNs:  o.LastUpdateNs,
			Reason:        o.Reason,
		}
		if o.Price != nil {
			snap.Price = *o.Price
		}
		snaps = append(snaps, snap)
	}
	return wal.CheckpointRecord{Orders: snaps}
}
