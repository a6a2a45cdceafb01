// Package restadapter implements the REST-transport half of a venue
// adapter: order placement, cancellation, and the reconciliation query
// interface, over a resty client with rate limiting, retry, and
// pluggable request signing. It satisfies veloz-core/internal/venue's
// Adapter and ReconciliationQuerier interfaces for any venue whose wire
// protocol fits the generic place/cancel/query shape; venue-specific
// authentication lives behind the Signer hook rather than forking this
// file per venue.
package restadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"veloz-core/pkg/types"
)

// Config controls one venue's REST connection.
type Config struct {
	VenueName   types.Venue
	BaseURL     string
	Timeout     time.Duration
	RetryCount  int
	DryRun      bool
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
}

// Adapter is a REST-transport venue adapter.
type Adapter struct {
	cfg    Config
	http   *resty.Client
	signer Signer
	rl     RateLimits
	logger *slog.Logger

	connected atomic.Bool
}

// New creates a REST adapter. signer may be nil for venues whose book
// reads need no authentication; with a nil signer, Place/Cancel and the
// reconciliation queries are sent without authentication headers.
func New(cfg Config, signer Signer, logger *slog.Logger) *Adapter {
	cfg.applyDefaults()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Adapter{
		cfg:    cfg,
		http:   httpClient,
		signer: signer,
		rl:     DefaultRateLimits(),
		logger: logger.With("component", "restadapter", "venue", string(cfg.VenueName)),
	}
}

func (a *Adapter) Name() string    { return string(a.cfg.VenueName) }
func (a *Adapter) Version() string { return "restadapter/1" }

func (a *Adapter) IsConnected() bool { return a.connected.Load() }

// Connect performs a lightweight reachability check against the venue;
// REST adapters hold no persistent connection, so "connected" tracks
// whether the last call succeeded.
func (a *Adapter) Connect(ctx context.Context) error {
	resp, err := a.http.R().SetContext(ctx).Get("/ping")
	if err != nil {
		a.connected.Store(false)
		return fmt.Errorf("restadapter: connect: %w", err)
	}
	if resp.StatusCode() >= 500 {
		a.connected.Store(false)
		return fmt.Errorf("restadapter: connect: status %d", resp.StatusCode())
	}
	a.connected.Store(true)
	return nil
}

// Disconnect marks the adapter unreachable; a REST adapter holds no
// socket to close.
func (a *Adapter) Disconnect() error {
	a.connected.Store(false)
	return nil
}

func (a *Adapter) signedHeaders(method, path, body string) (map[string]string, error) {
	if a.signer == nil {
		return nil, nil
	}
	return a.signer.Headers(method, path, body)
}

// Place submits one order. A transient I/O failure or non-200 response
// returns (zero, false) rather than an error: per §7, the caller (SOR)
// decides whether to fail over, this adapter never surfaces transport
// failures as panics or exceptions.
func (a *Adapter) Place(ctx context.Context, req types.PlaceOrderRequest) (types.ExecutionReport, bool) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	if a.cfg.DryRun {
		return types.ExecutionReport{
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
			VenueOrderID:  "dry-" + req.ClientOrderID,
			Status:        types.StatusAccepted,
			TsExchangeNs:  time.Now().UnixNano(),
			TsRecvNs:      time.Now().UnixNano(),
		}, true
	}

	if err := a.rl.Place.Wait(ctx); err != nil {
		a.logger.Warn("place rate limit wait aborted", "error", err)
		return types.ExecutionReport{}, false
	}

	body, err := json.Marshal(req)
	if err != nil {
		a.logger.Error("marshal place request", "error", err)
		return types.ExecutionReport{}, false
	}
	headers, err := a.signedHeaders(http.MethodPost, "/orders", string(body))
	if err != nil {
		a.logger.Error("sign place request", "error", err)
		return types.ExecutionReport{}, false
	}

	var result types.ExecutionReport
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		a.logger.Warn("place request failed", "error", err, "client_order_id", req.ClientOrderID)
		a.connected.Store(false)
		return types.ExecutionReport{}, false
	}
	if resp.StatusCode() != http.StatusOK {
		a.logger.Warn("place request rejected", "status", resp.StatusCode(), "body", resp.String())
		return types.ExecutionReport{}, false
	}
	a.connected.Store(true)
	return result, true
}

// Cancel cancels one order by client id.
func (a *Adapter) Cancel(ctx context.Context, req types.CancelOrderRequest) (types.ExecutionReport, bool) {
	if a.cfg.DryRun {
		return types.ExecutionReport{
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
			Status:        types.StatusCanceled,
			TsExchangeNs:  time.Now().UnixNano(),
			TsRecvNs:      time.Now().UnixNano(),
		}, true
	}

	if err := a.rl.Cancel.Wait(ctx); err != nil {
		a.logger.Warn("cancel rate limit wait aborted", "error", err)
		return types.ExecutionReport{}, false
	}

	path := fmt.Sprintf("/orders/%s", req.ClientOrderID)
	headers, err := a.signedHeaders(http.MethodDelete, path, "")
	if err != nil {
		a.logger.Error("sign cancel request", "error", err)
		return types.ExecutionReport{}, false
	}

	var result types.ExecutionReport
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete(path)
	if err != nil {
		a.logger.Warn("cancel request failed", "error", err, "client_order_id", req.ClientOrderID)
		a.connected.Store(false)
		return types.ExecutionReport{}, false
	}
	if resp.StatusCode() != http.StatusOK {
		a.logger.Warn("cancel request rejected", "status", resp.StatusCode(), "body", resp.String())
		return types.ExecutionReport{}, false
	}
	return result, true
}

// QueryOpenOrders implements venue.ReconciliationQuerier.
func (a *Adapter) QueryOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.ExecutionReport, error) {
	if err := a.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := a.signedHeaders(http.MethodGet, "/orders/open", "")
	if err != nil {
		return nil, err
	}
	var result []types.ExecutionReport
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", string(symbol)).
		SetResult(&result).
		Get("/orders/open")
	if err != nil {
		return nil, fmt.Errorf("restadapter: query open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("restadapter: query open orders: status %d", resp.StatusCode())
	}
	return result, nil
}

// QueryOrder implements venue.ReconciliationQuerier.
func (a *Adapter) QueryOrder(ctx context.Context, symbol types.Symbol, clientOrderID string) (types.ExecutionReport, bool, error) {
	if err := a.rl.Query.Wait(ctx); err != nil {
		return types.ExecutionReport{}, false, err
	}
	path := fmt.Sprintf("/orders/%s", clientOrderID)
	headers, err := a.signedHeaders(http.MethodGet, path, "")
	if err != nil {
		return types.ExecutionReport{}, false, err
	}
	var result types.ExecutionReport
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return types.ExecutionReport{}, false, fmt.Errorf("restadapter: query order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return types.ExecutionReport{}, false, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return types.ExecutionReport{}, false, fmt.Errorf("restadapter: query order: status %d", resp.StatusCode())
	}
	return result, true, nil
}

// QueryOrders implements venue.ReconciliationQuerier.
func (a *Adapter) QueryOrders(ctx context.Context, symbol types.Symbol, tFromMs, tToMs int64) ([]types.ExecutionReport, error) {
	if err := a.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := a.signedHeaders(http.MethodGet, "/orders/history", "")
	if err != nil {
		return nil, err
	}
	var result []types.ExecutionReport
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", string(symbol)).
		SetQueryParam("from_ms", fmt.Sprintf("%d", tFromMs)).
		SetQueryParam("to_ms", fmt.Sprintf("%d", tToMs)).
		SetResult(&result).
		Get("/orders/history")
	if err != nil {
		return nil, fmt.Errorf("restadapter: query orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("restadapter: query orders: status %d", resp.StatusCode())
	}
	return result, nil
}

// CancelOrder implements venue.ReconciliationQuerier: an orphan-cleanup
// cancel issued by the reconciliation loop rather than by OPC, keyed by
// client id alone since reconciliation may not know the venue order id.
func (a *Adapter) CancelOrder(ctx context.Context, symbol types.Symbol, clientOrderID string) error {
	_, ok := a.Cancel(ctx, types.CancelOrderRequest{Symbol: symbol, ClientOrderID: clientOrderID})
	if !ok {
		return fmt.Errorf("restadapter: cancel_order %s failed or timed out", clientOrderID)
	}
	return nil
}
