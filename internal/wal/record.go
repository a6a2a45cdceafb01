package wal

import (
	"encoding/binary"
	"fmt"
	"math"
)

// OrderNewRecord is the payload for EntryOrderNew.
type OrderNewRecord struct {
	ClientOrderID string
	Symbol        string
	Side          uint8
	Type          uint8
	TIF           uint8
	Qty           float64
	HasPrice      bool
	Price         float64
}

// OrderUpdateRecord is the payload for EntryOrderUpdate.
type OrderUpdateRecord struct {
	ClientOrderID string
	VenueOrderID  string
	Status        uint8
	Reason        string
	TsNs          int64
}

// OrderFillRecord is the payload for EntryOrderFill.
type OrderFillRecord struct {
	ClientOrderID string
	Symbol        string
	Qty           float64
	Price         float64
	TsNs          int64
}

// OrderCancelRecord is the payload for EntryOrderCancel.
type OrderCancelRecord struct {
	ClientOrderID string
	Reason        string
	TsNs          int64
}

// OrderSnapshot is one order's full state, as captured in a checkpoint.
type OrderSnapshot struct {
	ClientOrderID string
	VenueOrderID  string
	Symbol        string
	Side          uint8
	Type          uint8
	TIF           uint8
	Qty           float64
	HasPrice      bool
	Price         float64
	Status        uint8
	CumQty        float64
	AvgPrice      float64
	CreatedNs     int64
	LastUpdateNs  int64
	Reason        string
}

// CheckpointRecord is the payload for EntryCheckpoint: a complete snapshot
// of every order, sufficient to rebuild the store standalone.
type CheckpointRecord struct {
	Orders []OrderSnapshot
}

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func putF64(buf []byte, v float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return append(buf, b[:]...)
}

func putI64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) string() (string, error) {
	if r.pos+4 > len(r.buf) {
		return "", fmt.Errorf("wal: truncated string length")
	}
	n := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	if r.pos+int(n) > len(r.buf) {
		return "", fmt.Errorf("wal: truncated string body")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) f64() (float64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("wal: truncated f64")
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func (r *reader) i64() (int64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("wal: truncated i64")
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("wal: truncated u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) u8() (uint8, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("wal: truncated u8")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func encodeOrderNew(rec OrderNewRecord) []byte {
	buf := make([]byte, 0, 64+len(rec.ClientOrderID)+len(rec.Symbol))
	buf = putString(buf, rec.ClientOrderID)
	buf = putString(buf, rec.Symbol)
	buf = append(buf, rec.Side, rec.Type, rec.TIF)
	buf = putF64(buf, rec.Qty)
	hasPrice := uint8(0)
	if rec.HasPrice {
		hasPrice = 1
	}
	buf = append(buf, hasPrice)
	buf = putF64(buf, rec.Price)
	return buf
}

func decodeOrderNew(payload []byte) (OrderNewRecord, error) {
	var rec OrderNewRecord
	r := &reader{buf: payload}
	var err error
	if rec.ClientOrderID, err = r.string(); err != nil {
		return rec, err
	}
	if rec.Symbol, err = r.string(); err != nil {
		return rec, err
	}
	if rec.Side, err = r.u8(); err != nil {
		return rec, err
	}
	if rec.Type, err = r.u8(); err != nil {
		return rec, err
	}
	if rec.TIF, err = r.u8(); err != nil {
		return rec, err
	}
	if rec.Qty, err = r.f64(); err != nil {
		return rec, err
	}
	hasPrice, err := r.u8()
	if err != nil {
		return rec, err
	}
	rec.HasPrice = hasPrice != 0
	if rec.Price, err = r.f64(); err != nil {
		return rec, err
	}
	return rec, nil
}

func encodeOrderUpdate(rec OrderUpdateRecord) []byte {
	buf := make([]byte, 0, 64+len(rec.ClientOrderID)+len(rec.VenueOrderID)+len(rec.Reason))
	buf = putString(buf, rec.ClientOrderID)
	buf = putString(buf, rec.VenueOrderID)
	buf = append(buf, rec.Status)
	buf = putString(buf, rec.Reason)
	buf = putI64(buf, rec.TsNs)
	return buf
}

func decodeOrderUpdate(payload []byte) (OrderUpdateRecord, error) {
	var rec OrderUpdateRecord
	r := &reader{buf: payload}
	var err error
	if rec.ClientOrderID, err = r.string(); err != nil {
		return rec, err
	}
	if rec.VenueOrderID, err = r.string(); err != nil {
		return rec, err
	}
	if rec.Status, err = r.u8(); err != nil {
		return rec, err
	}
	if rec.Reason, err = r.string(); err != nil {
		return rec, err
	}
	if rec.TsNs, err = r.i64(); err != nil {
		return rec, err
	}
	return rec, nil
}

func encodeOrderFill(rec OrderFillRecord) []byte {
	buf := make([]byte, 0, 64+len(rec.ClientOrderID)+len(rec.Symbol))
	buf = putString(buf, rec.ClientOrderID)
	buf = putString(buf, rec.Symbol)
	buf = putF64(buf, rec.Qty)
	buf = putF64(buf, rec.Price)
	buf = putI64(buf, rec.TsNs)
	return buf
}

func decodeOrderFill(payload []byte) (OrderFillRecord, error) {
	var rec OrderFillRecord
	r := &reader{buf: payload}
	var err error
	if rec.ClientOrderID, err = r.string(); err != nil {
		return rec, err
	}
	if rec.Symbol, err = r.string(); err != nil {
		return rec, err
	}
	if rec.Qty, err = r.f64(); err != nil {
		return rec, err
	}
	if rec.Price, err = r.f64(); err != nil {
		return rec, err
	}
	if rec.TsNs, err = r.i64(); err != nil {
		return rec, err
	}
	return rec, nil
}

func encodeOrderCancel(rec OrderCancelRecord) []byte {
	buf := make([]byte, 0, 32+len(rec.ClientOrderID)+len(rec.Reason))
	buf = putString(buf, rec.ClientOrderID)
	buf = putString(buf, rec.Reason)
	buf = putI64(buf, rec.TsNs)
	return buf
}

func decodeOrderCancel(payload []byte) (OrderCancelRecord, error) {
	var rec OrderCancelRecord
	r := &reader{buf: payload}
	var err error
	if rec.ClientOrderID, err = r.string(); err != nil {
		return rec, err
	}
	if rec.Reason, err = r.string(); err != nil {
		return rec, err
	}
	if rec.TsNs, err = r.i64(); err != nil {
		return rec, err
	}
	return rec, nil
}

func encodeOrderSnapshot(buf []byte, s OrderSnapshot) []byte {
	buf = putString(buf, s.ClientOrderID)
	buf = putString(buf, s.VenueOrderID)
	buf = putString(buf, s.Symbol)
	buf = append(buf, s.Side, s.Type, s.TIF)
	buf = putF64(buf, s.Qty)
	hasPrice := uint8(0)
	if s.HasPrice {
		hasPrice = 1
	}
	buf = append(buf, hasPrice)
	buf = putF64(buf, s.Price)
	buf = append(buf, s.Status)
	buf = putF64(buf, s.CumQty)
	buf = putF64(buf, s.AvgPrice)
	buf = putI64(buf, s.CreatedNs)
	buf = putI64(buf, s.LastUpdateNs)
	buf = putString(buf, s.Reason)
	return buf
}

func decodeOrderSnapshot(r *reader) (OrderSnapshot, error) {
	var s OrderSnapshot
	var err error
	if s.ClientOrderID, err = r.string(); err != nil {
		return s, err
	}
	if s.VenueOrderID, err = r.string(); err != nil {
		return s, err
	}
	if s.Symbol, err = r.string(); err != nil {
		return s, err
	}
	if s.Side, err = r.u8(); err != nil {
		return s, err
	}
	if s.Type, err = r.u8(); err != nil {
		return s, err
	}
	if s.TIF, err = r.u8(); err != nil {
		return s, err
	}
	if s.Qty, err = r.f64(); err != nil {
		return s, err
	}
	hasPrice, err := r.u8()
	if err != nil {
		return s, err
	}
	s.HasPrice = hasPrice != 0
	if s.Price, err = r.f64(); err != nil {
		return s, err
	}
	if s.Status, err = r.u8(); err != nil {
		return s, err
	}
	if s.CumQty, err = r.f64(); err != nil {
		return s, err
	}
	if s.AvgPrice, err = r.f64(); err != nil {
		return s, err
	}
	if s.CreatedNs, err = r.i64(); err != nil {
		return s, err
	}
	if s.LastUpdateNs, err = r.i64(); err != nil {
		return s, err
	}
	if s.Reason, err = r.string(); err != nil {
		return s, err
	}
	return s, nil
}

func encodeCheckpoint(rec CheckpointRecord) []byte {
	buf := make([]byte, 0, 128*len(rec.Orders)+4)
	buf = putU32(buf, uint32(len(rec.Orders)))
	for _, o := range rec.Orders {
		buf = encodeOrderSnapshot(buf, o)
	}
	return buf
}

func decodeCheckpoint(payload []byte) (CheckpointRecord, error) {
	r := &reader{buf: payload}
	count, err := r.u32()
	if err != nil {
		return CheckpointRecord{}, err
	}
	orders := make([]OrderSnapshot, 0, count)
	for i := uint32(0); i < count; i++ {
		snap, err := decodeOrderSnapshot(r)
		if err != nil {
			return CheckpointRecord{}, err
		}
		orders = append(orders, snap)
	}
	return CheckpointRecord{Orders: orders}, nil
}

// DecodeOrderNew, DecodeOrderUpdate, DecodeOrderFill, DecodeOrderCancel,
// and DecodeCheckpoint let a replay callback decode the payload for the
// EntryType it received from Entry.Type.
func DecodeOrderNew(payload []byte) (OrderNewRecord, error)       { return decodeOrderNew(payload) }
func DecodeOrderUpdate(payload []byte) (OrderUpdateRecord, error) { return decodeOrderUpdate(payload) }
func DecodeOrderFill(payload []byte) (OrderFillRecord, error)     { return decodeOrderFill(payload) }
func DecodeOrderCancel(payload []byte) (OrderCancelRecord, error) { return decodeOrderCancel(payload) }
func DecodeCheckpoint(payload []byte) (CheckpointRecord, error)   { return decodeCheckpoint(payload) }
