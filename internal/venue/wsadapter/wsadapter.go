// Package wsadapter implements the streaming-transport half of a venue
// adapter: a reconnecting WebSocket feed that delivers execution reports
// and book snapshots as they arrive, rather than on poll. It auto-
// reconnects with exponential backoff and re-subscribes on reconnect,
// matching the pattern every venue's push feed needs regardless of wire
// format differences, which live behind the Decoder hook.
package wsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"veloz-core/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	reportBufferSize = 256
	bookBufferSize   = 256
)

// Decoder turns one raw WS frame into either an ExecutionReport or a
// BookSnapshot, per the venue's own event envelope. ok is false for
// frames the feed should ignore (heartbeats, informational events).
type Decoder interface {
	DecodeExecutionReport(raw []byte) (types.ExecutionReport, bool)
	DecodeBookSnapshot(raw []byte) (types.BookSnapshot, bool)
}

// Feed manages one WebSocket connection with subscription tracking,
// auto-reconnect, and typed event channels. A Feed is not itself a
// venue.Adapter — Place/Cancel still go over restadapter's REST
// transport — it supplements the polled adapter with push updates.
type Feed struct {
	url     string
	venue   types.Venue
	decoder Decoder
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	reportCh chan types.ExecutionReport
	bookCh   chan types.BookSnapshot
}

// New creates a Feed for venue at url, decoding frames with decoder.
func New(venueName types.Venue, url string, decoder Decoder, logger *slog.Logger) *Feed {
	return &Feed{
		url:        url,
		venue:      venueName,
		decoder:    decoder,
		subscribed: make(map[string]bool),
		reportCh:   make(chan types.ExecutionReport, reportBufferSize),
		bookCh:     make(chan types.BookSnapshot, bookBufferSize),
		logger:     logger.With("component", "wsadapter", "venue", string(venueName)),
	}
}

// ExecutionReports returns a read-only channel of decoded execution reports.
func (f *Feed) ExecutionReports() <-chan types.ExecutionReport { return f.reportCh }

// BookSnapshots returns a read-only channel of decoded book snapshots.
func (f *Feed) BookSnapshots() <-chan types.BookSnapshot { return f.bookCh }

// Run connects and maintains the connection with exponential backoff
// reconnect, blocking until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the tracked subscription set and sends a
// subscribe message if connected.
func (f *Feed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{"op": "subscribe", "symbols": symbols})
}

// Unsubscribe removes symbols from the tracked subscription set.
func (f *Feed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{"op": "unsubscribe", "symbols": symbols})
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("wsadapter: dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendSubscriptionSnapshot(); err != nil {
		return fmt.Errorf("wsadapter: resubscribe: %w", err)
	}

	f.logger.Info("websocket connected", "venue", string(f.venue))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("wsadapter: read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) sendSubscriptionSnapshot() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"op": "subscribe", "symbols": symbols})
}

func (f *Feed) dispatch(raw []byte) {
	if report, ok := f.decoder.DecodeExecutionReport(raw); ok {
		select {
		case f.reportCh <- report:
		default:
			f.logger.Warn("execution report channel full, dropping event", "client_order_id", report.ClientOrderID)
		}
		return
	}
	if book, ok := f.decoder.DecodeBookSnapshot(raw); ok {
		select {
		case f.bookCh <- book:
		default:
			f.logger.Warn("book channel full, dropping event", "symbol", string(book.Symbol))
		}
		return
	}
	f.logger.Debug("ignoring unrecognized ws frame", "bytes", len(raw))
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil // not yet connected; the post-connect resubscribe snapshot covers it
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("wsadapter: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

// JSONEnvelopeDecoder is a simple Decoder for venues that tag every
// frame with a top-level "type" field distinguishing execution reports
// from book snapshots.
type JSONEnvelopeDecoder struct {
	ReportType string // e.g. "order"
	BookType   string // e.g. "book"
}

func (d JSONEnvelopeDecoder) envelope(raw []byte) (string, bool) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false
	}
	return env.Type, true
}

func (d JSONEnvelopeDecoder) DecodeExecutionReport(raw []byte) (types.ExecutionReport, bool) {
	t, ok := d.envelope(raw)
	if !ok || t != d.ReportType {
		return types.ExecutionReport{}, false
	}
	var rep types.ExecutionReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return types.ExecutionReport{}, false
	}
	return rep, true
}

func (d JSONEnvelopeDecoder) DecodeBookSnapshot(raw []byte) (types.BookSnapshot, bool) {
	t, ok := d.envelope(raw)
	if !ok || t != d.BookType {
		return types.BookSnapshot{}, false
	}
	var book types.BookSnapshot
	if err := json.Unmarshal(raw, &book); err != nil {
		return types.BookSnapshot{}, false
	}
	return book, true
}
