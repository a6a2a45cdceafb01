package opc

import (
	"fmt"

	"veloz-core/internal/wal"
	"veloz-core/pkg/types"
)

// ApplyReplayEntry is the callback passed to wal.Open: it rebuilds
// in-memory order and balance state from an already-journaled entry
// without re-writing it, since re-journaling during replay would
// duplicate every frame on every restart.
//
// Construct a Store with NewStore, open its WAL with
// store.ApplyReplayEntry as the into callback, then attach the resulting
// *wal.WAL with AttachWAL before serving traffic.
func (s *Store) ApplyReplayEntry(e wal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Type {
	case wal.EntryOrderNew:
		rec, err := wal.DecodeOrderNew(e.Payload)
		if err != nil {
			return fmt.Errorf("opc: replay OrderNew: %w", err)
		}
		s.replayOrderNew(rec, int64(e.TimestampNs))

	case wal.EntryOrderUpdate:
		rec, err := wal.DecodeOrderUpdate(e.Payload)
		if err != nil {
			return fmt.Errorf("opc: replay OrderUpdate: %w", err)
		}
		s.replayOrderUpdate(rec)

	case wal.EntryOrderFill:
		rec, err := wal.DecodeOrderFill(e.Payload)
		if err != nil {
			return fmt.Errorf("opc: replay OrderFill: %w", err)
		}
		s.replayOrderFill(rec)

	case wal.EntryOrderCancel:
		rec, err := wal.DecodeOrderCancel(e.Payload)
		if err != nil {
			return fmt.Errorf("opc: replay OrderCancel: %w", err)
		}
		s.replayOrderCancel(rec)

	case wal.EntryCheckpoint:
		rec, err := wal.DecodeCheckpoint(e.Payload)
		if err != nil {
			return fmt.Errorf("opc: replay Checkpoint: %w", err)
		}
		s.replayCheckpoint(rec)
	}
	return nil
}

// AttachWAL wires the live, already-open WAL handle into the store once
// replay has finished and normal operation begins.
func (s *Store) AttachWAL(w *wal.WAL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wal = w
}

func (s *Store) replayOrderNew(rec wal.OrderNewRecord, tsNs int64) {
	order := &Order{
		ClientOrderID: rec.ClientOrderID,
		VenueOrderID:  venueOrderIDFor(rec.ClientOrderID),
		Symbol:        types.Symbol(rec.Symbol),
		Side:          sideFromCode(rec.Side),
		Type:          typeFromCode(rec.Type),
		TIF:           tifFromCode(rec.TIF),
		Qty:           rec.Qty,
		Status:        types.StatusAccepted,
		CreatedNs:     tsNs,
		LastUpdateNs:  tsNs,
	}
	if rec.HasPrice {
		p := rec.Price
		order.Price = &p
	}
	s.orders[rec.ClientOrderID] = order

	if s.ledger == nil {
		return
	}
	info := s.symbols[order.Symbol]
	asset, amount := s.remainingReservation(order, info)
	s.ledger.Reserve(asset, amount) // already validated when originally placed
	amountF, _ := amount.Float64()
	s.due = append(s.due, PendingReservation{ClientOrderID: rec.ClientOrderID, Asset: asset, Amount: amountF})
}

func (s *Store) replayOrderFill(rec wal.OrderFillRecord) {
	order, ok := s.orders[rec.ClientOrderID]
	if !ok {
		return
	}
	info := s.symbols[order.Symbol]
	if s.ledger != nil {
		s.applyFillBalances(order, info, rec.Qty, rec.Price)
	}

	prevCum := order.CumQty
	order.AvgPrice = (order.AvgPrice*prevCum + rec.Price*rec.Qty) / (prevCum + rec.Qty)
	order.CumQty = prevCum + rec.Qty
	order.LastUpdateNs = rec.TsNs

	if quantitiesEqual(order.CumQty, order.Qty) || order.CumQty > order.Qty {
		order.Status = types.StatusFilled
		s.removeDue(rec.ClientOrderID)
	} else {
		order.Status = types.StatusPartiallyFilled
	}
}

func (s *Store) replayOrderCancel(rec wal.OrderCancelRecord) {
	order, ok := s.orders[rec.ClientOrderID]
	if !ok {
		return
	}
	if s.ledger != nil {
		info := s.symbols[order.Symbol]
		asset, amount := s.remainingReservation(order, info)
		s.ledger.Release(asset, amount)
	}
	order.Status = types.StatusCanceled
	order.LastUpdateNs = rec.TsNs
	s.removeDue(rec.ClientOrderID)
}

func (s *Store) replayOrderUpdate(rec wal.OrderUpdateRecord) {
	order, ok := s.orders[rec.ClientOrderID]
	if !ok {
		return
	}
	if rec.TsNs <= order.LastUpdateNs {
		return
	}
	if order.Status.IsTerminal() {
		return
	}
	if rec.VenueOrderID != "" {
		order.VenueOrderID = rec.VenueOrderID
	}
	order.Status = statusFromCode(rec.Status)
	order.Reason = rec.Reason
	order.LastUpdateNs = rec.TsNs
	if order.Status.IsTerminal() {
		s.removeDue(rec.ClientOrderID)
	}
}

func (s *Store) replayCheckpoint(rec wal.CheckpointRecord) {
	s.orders = make(map[string]*Order, len(rec.Orders))
	s.due = nil
	for _, snap := range rec.Orders {
		o := &Order{
			ClientOrderID: snap.ClientOrderID,
			VenueOrderID:  snap.VenueOrderID,
			Symbol:        types.Symbol(snap.Symbol),
			Side:          sideFromCode(snap.Side),
			Type:          typeFromCode(snap.Type),
			TIF:           tifFromCode(snap.TIF),
			Qty:           snap.Qty,
			Status:        statusFromCode(snap.Status),
			CumQty:        snap.CumQty,
			AvgPrice:      snap.AvgPrice,
			CreatedNs:     snap.CreatedNs,
			LastUpdateNs:  snap.LastUpdateNs,
			Reason:        snap.Reason,
		}
		if snap.HasPrice {
			p := snap.Price
			o.Price = &p
		}
		s.orders[snap.ClientOrderID] = o

		if s.ledger != nil && !o.Status.IsTerminal() {
			info := s.symbols[o.Symbol]
			asset, amount := s.remainingReservation(o, info)
			s.ledger.Reserve(asset, amount)
			amountF, _ := amount.Float64()
			s.due = append(s.due, PendingReservation{ClientOrderID: o.ClientOrderID, Asset: asset, Amount: amountF})
		}
	}
}
