package wal

// LogOrderNew journals a new order, returning its assigned sequence.
func (w *WAL) LogOrderNew(tsNs uint64, rec OrderNewRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(EntryOrderNew, tsNs, encodeOrderNew(rec))
}

// LogOrderUpdate journals a status/venue-id transition.
func (w *WAL) LogOrderUpdate(tsNs uint64, rec OrderUpdateRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(EntryOrderUpdate, tsNs, encodeOrderUpdate(rec))
}

// LogOrderFill journals a fill application.
func (w *WAL) LogOrderFill(tsNs uint64, rec OrderFillRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(EntryOrderFill, tsNs, encodeOrderFill(rec))
}

// LogOrderCancel journals a cancellation.
func (w *WAL) LogOrderCancel(tsNs uint64, rec OrderCancelRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(EntryOrderCancel, tsNs, encodeOrderCancel(rec))
}

// WriteCheckpoint journals a full-snapshot checkpoint and resets the
// entries-since-last-checkpoint counter, collapsing the prefix a future
// replay needs to walk.
func (w *WAL) WriteCheckpoint(tsNs uint64, rec CheckpointRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seq, err := w.write(EntryCheckpoint, tsNs, encodeCheckpoint(rec))
	if err == nil {
		w.markCheckpointed()
	}
	return seq, err
}
