// Package engine is the central orchestrator of the trading core.
//
// It wires together every subsystem:
//
//  1. wal.WAL + opc.Store + opc.Ledger are the order and position core's
//     durable state.
//  2. venue.Registry holds one REST adapter per configured venue.
//  3. sor.ExchangeCoordinator tracks the cross-venue book and latency;
//     router.Router scores venues and dispatches orders through it.
//  4. risk.Engine gates every order pre-trade and watches every position
//     post-trade for stop-loss/take-profit.
//  5. reconcile.Reconciler periodically diffs local state against every
//     venue's and auto-corrects or freezes trading.
//  6. events.Writer emits the line-delimited JSON event stream;
//     metrics.Registry serves /metrics.
//
// Lifecycle: New() -> Start() -> [runs until SIGINT] -> Stop().
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"veloz-core/internal/config"
	"veloz-core/internal/events"
	"veloz-core/internal/metrics"
	"veloz-core/internal/opc"
	"veloz-core/internal/reconcile"
	"veloz-core/internal/risk"
	"veloz-core/internal/router"
	"veloz-core/internal/sor"
	"veloz-core/internal/venue"
	"veloz-core/internal/venue/restadapter"
	"veloz-core/internal/wal"
	"veloz-core/pkg/types"
)

// Engine orchestrates every component of the trading core. It owns the
// lifecycle of all goroutines and is the single entry point callers
// (cmd/velozd, tests) use to place and cancel orders.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	wal       *wal.WAL
	ledger    *opc.Ledger
	store     *opc.Store
	positions *opc.PositionBook

	registry    *venue.Registry
	coordinator *sor.ExchangeCoordinator
	router      *router.Router

	riskEngine *risk.Engine
	reconciler *reconcile.Reconciler

	eventsOut closer
	events    *events.Writer
	metrics   *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// closer is satisfied by *os.File; kept as a narrow local interface so
// Engine doesn't need to import "io" just for this one field's type.
type closer interface {
	Close() error
}

// New creates and wires all engine components. It opens the WAL
// (replaying any existing log into the order core), constructs one REST
// adapter per configured venue, and builds the coordinator, router, risk
// engine, and reconciliation loop on top.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	logger = logger.With("component", "engine")

	ledger := opc.NewLedger()
	symbols := make(map[types.Symbol]opc.SymbolInfo, len(cfg.Symbols))
	for _, sc := range cfg.Symbols {
		symbols[types.Symbol(sc.Symbol)] = opc.SymbolInfo{BaseAsset: sc.BaseAsset, QuoteAsset: sc.QuoteAsset}
	}
	store := opc.NewStore(ledger, symbols)

	walCfg := wal.Config{
		Directory:          cfg.WAL.Directory,
		FilePrefix:         cfg.WAL.FilePrefix,
		MaxFileSize:        cfg.WAL.MaxFileSizeBytes,
		MaxFiles:           cfg.WAL.MaxFiles,
		SyncOnWrite:        cfg.WAL.SyncOnWrite,
		CheckpointInterval: cfg.WAL.CheckpointInterval,
	}
	w, err := wal.Open(walCfg, store.ApplyReplayEntry)
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}
	store.AttachWAL(w)

	registry := venue.NewRegistry()
	for _, vc := range cfg.Venues {
		if vc.Kind == "ws" {
			// Streaming-only venues need a protocol-specific wsadapter.Decoder
			// this layer doesn't have enough information to construct
			// generically; a caller that has one registers the feed through
			// Engine.Registry, not here.
			continue
		}
		var signer restadapter.Signer
		if vc.APIKey != "" || vc.APISecret != "" {
			signer = restadapter.NewHMACSigner(restadapter.Credentials{APIKey: vc.APIKey, Secret: vc.APISecret})
		}
		adapter := restadapter.New(restadapter.Config{
			VenueName:  types.Venue(vc.Name),
			BaseURL:    vc.BaseURL,
			Timeout:    vc.Timeout,
			RetryCount: vc.RetryCount,
			DryRun:     vc.DryRun || cfg.DryRun,
		}, signer, logger)
		registry.Add(types.Venue(vc.Name), adapter)
	}

	coordinator := sor.NewExchangeCoordinator(registry, logger)
	rtr := router.New(coordinator, logger)
	if cfg.Router.PriceWeight > 0 || cfg.Router.FeeWeight > 0 || cfg.Router.LatencyWeight > 0 ||
		cfg.Router.LiquidityWeight > 0 || cfg.Router.ReliabilityWeight > 0 {
		rtr.SetWeights(cfg.Router.PriceWeight, cfg.Router.FeeWeight, cfg.Router.LatencyWeight,
			cfg.Router.LiquidityWeight, cfg.Router.ReliabilityWeight)
	}
	for name, size := range cfg.Router.MinOrderSizeByVenue {
		rtr.SetMinOrderSize(types.Venue(name), size)
	}

	riskCfg := risk.Config{
		AccountBalanceUSD:      cfg.Risk.AccountBalanceUSD,
		MaxPositionSize:        cfg.Risk.MaxPositionSize,
		MaxLeverage:            cfg.Risk.MaxLeverage,
		MaxPriceDeviation:      cfg.Risk.MaxPriceDeviation,
		MaxOrderRate:           cfg.Risk.MaxOrderRate,
		MaxOrderSize:           cfg.Risk.MaxOrderSize,
		StopLossEnabled:        cfg.Risk.StopLossEnabled,
		StopLossPct:            cfg.Risk.StopLossPct,
		TakeProfitEnabled:      cfg.Risk.TakeProfitEnabled,
		TakeProfitPct:          cfg.Risk.TakeProfitPct,
		CircuitBreakerCooldown: cfg.Risk.CircuitBreakerCooldown,
		MaxAlerts:              cfg.Risk.MaxAlerts,
	}
	if riskCfg.MaxLeverage == 0 {
		riskCfg = risk.DefaultConfig()
	}
	riskEngine := risk.New(riskCfg, logger)

	reconcileCfg := reconcile.Config{
		Interval:                  cfg.Reconciliation.Interval,
		StaleOrderThreshold:       cfg.Reconciliation.StaleOrderThreshold,
		AutoCancelOrphaned:        cfg.Reconciliation.AutoCancelOrphaned,
		FreezeOnMismatch:          cfg.Reconciliation.FreezeOnMismatch,
		MaxMismatchesBeforeFreeze: cfg.Reconciliation.MaxMismatchesBeforeFreeze,
		MaxAuditHistory:           cfg.Reconciliation.MaxAuditHistory,
	}
	if reconcileCfg.Interval == 0 {
		reconcileCfg = reconcile.DefaultConfig()
	}
	reconciler := reconcile.New(store, registry, reconcileCfg, logger)

	eventsOut, eventsWriter, err := openEventsSink(cfg.Events)
	if err != nil {
		w.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:         cfg,
		logger:      logger,
		wal:         w,
		ledger:      ledger,
		store:       store,
		positions:   opc.NewPositionBook(),
		registry:    registry,
		coordinator: coordinator,
		router:      rtr,
		riskEngine:  riskEngine,
		reconciler:  reconciler,
		eventsOut:   eventsOut,
		events:      eventsWriter,
		metrics:     metrics.New(),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func openEventsSink(cfg config.EventsConfig) (closer, *events.Writer, error) {
	if cfg.OutputPath == "" || cfg.OutputPath == "-" {
		return nil, events.New(os.Stdout), nil
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: open events sink: %w", err)
	}
	return f, events.New(f), nil
}

// Start connects every registered venue, starts the metrics HTTP server
// (if enabled), and launches the background goroutines: the
// reconciliation loop, the post-trade risk sweep, and the freeze-state
// mirror into the metrics gauge.
func (e *Engine) Start() error {
	for _, venueName := range e.registry.All() {
		a, _ := e.registry.Get(venueName)
		if err := a.Connect(e.ctx); err != nil {
			e.logger.Error("venue connect failed", "venue", string(venueName), "error", err)
		}
	}

	if e.cfg.Metrics.Enabled {
		e.metrics.Serve(e.cfg.Metrics.Addr)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconciler.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPostTradeSweep()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reflectReconcilerState()
	}()

	e.logger.Info("engine started", "venues", len(e.cfg.Venues))
	return nil
}

// Stop gracefully shuts down: cancels all contexts, waits for goroutines,
// and closes the WAL and event sink.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	for _, venueName := range e.registry.All() {
		a, _ := e.registry.Get(venueName)
		if err := a.Disconnect(); err != nil {
			e.logger.Error("venue disconnect failed", "venue", string(venueName), "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := e.metrics.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("metrics server shutdown", "error", err)
	}

	if err := e.wal.Close(); err != nil {
		e.logger.Error("wal close", "error", err)
	}
	if e.eventsOut != nil {
		if err := e.eventsOut.Close(); err != nil {
			e.logger.Error("events sink close", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

// PlaceOrder runs req through the pre-trade risk check, the order core's
// reservation/dedup logic, and the router's venue selection and dispatch,
// applying the resulting execution report back into the order core on
// success. It is the single path every order-placing caller (a strategy,
// an operator CLI, a test) must go through.
func (e *Engine) PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (types.ExecutionReport, opc.Decision) {
	if e.reconciler.IsStrategyFrozen() {
		e.metrics.OrderRejected(string(opc.ReasonStrategyFrozen))
		e.logger.Warn("order rejected, strategy frozen", "symbol", string(req.Symbol), "client_order_id", req.ClientOrderID)
		return types.ExecutionReport{}, opc.Decision{Accepted: false, Reason: opc.ReasonStrategyFrozen}
	}

	current := e.positions.Get(req.Venue, req.Symbol).Snapshot().Size

	if ok, reason := e.riskEngine.CheckPreTrade(req, current); !ok {
		e.metrics.OrderRejected(reason)
		e.logger.Warn("pre-trade check rejected order", "symbol", string(req.Symbol), "reason", reason)
		return types.ExecutionReport{}, opc.Decision{Accepted: false, Reason: opc.ReasonRiskRejected}
	}

	decision := e.store.Place(req, time.Now().UnixNano())
	if !decision.Accepted {
		e.metrics.OrderRejected(string(decision.Reason))
		return types.ExecutionReport{}, decision
	}

	report, accepted := e.router.Execute(ctx, req)
	if !accepted {
		_ = e.store.Cancel(req.ClientOrderID, time.Now().UnixNano())
		return report, opc.Decision{Accepted: false, Reason: opc.ReasonRiskRejected}
	}

	e.metrics.OrderPlaced(string(req.Venue))
	e.applyExecutionReport(report)
	return report, decision
}

// CancelOrder cancels a resting order: it releases the order core's
// reservation first, then dispatches the cancel to the order's venue, and
// emits an order_update event either way. An unknown or already-terminal
// client order id is rejected with ReasonUnknownOrder and never reaches
// the venue.
func (e *Engine) CancelOrder(ctx context.Context, req types.CancelOrderRequest) (types.ExecutionReport, opc.CancelDecision) {
	order, ok := e.store.Get(req.ClientOrderID)
	if !ok {
		e.metrics.OrderRejected(string(opc.ReasonUnknownOrder))
		_ = e.events.OrderUpdate(events.OrderUpdate{
			TsNs: time.Now().UnixNano(), ClientOrderID: req.ClientOrderID,
			Status: types.StatusRejected, Reason: string(opc.ReasonUnknownOrder),
		})
		return types.ExecutionReport{}, opc.CancelDecision{Reason: opc.ReasonUnknownOrder}
	}

	decision := e.store.Cancel(req.ClientOrderID, time.Now().UnixNano())
	if !decision.Found {
		e.metrics.OrderRejected(string(decision.Reason))
		_ = e.events.OrderUpdate(events.OrderUpdate{
			TsNs: time.Now().UnixNano(), ClientOrderID: req.ClientOrderID,
			Status: types.StatusRejected, Reason: string(decision.Reason),
		})
		return types.ExecutionReport{}, decision
	}

	report, accepted := e.coordinator.CancelOrder(ctx, order.Venue, types.CancelOrderRequest{
		Symbol: order.Symbol, ClientOrderID: req.ClientOrderID,
	})
	if !accepted {
		e.logger.Warn("venue cancel failed after local cancel", "client_order_id", req.ClientOrderID, "venue", string(order.Venue))
	}

	_ = e.events.OrderUpdate(events.OrderUpdate{
		TsNs: time.Now().UnixNano(), ClientOrderID: req.ClientOrderID,
		VenueOrderID: order.VenueOrderID, Symbol: order.Symbol,
		Status: types.StatusCanceled,
	})
	return report, decision
}

// applyExecutionReport feeds one venue execution report into the order
// core, the position book, and the event stream, the same standard path
// reconciliation uses to correct drift.
func (e *Engine) applyExecutionReport(report types.ExecutionReport) {
	if report.LastFillQty > 0 {
		if err := e.store.ApplyFill(report.ClientOrderID, report.LastFillQty, report.LastFillPrice, time.Now().UnixNano()); err != nil {
			e.logger.Error("apply fill", "client_order_id", report.ClientOrderID, "error", err)
		} else {
			if order, ok := e.store.Get(report.ClientOrderID); ok {
				e.positions.Get(order.Venue, order.Symbol).ApplyFill(order.Side, report.LastFillQty, report.LastFillPrice, time.Now().UnixNano(), report.ClientOrderID)
				e.metrics.FillApplied(string(order.Venue))
			}
			_ = e.events.Fill(events.Fill{
				TsNs: time.Now().UnixNano(), ClientOrderID: report.ClientOrderID,
				Symbol: report.Symbol, Qty: report.LastFillQty, Price: report.LastFillPrice,
			})
		}
	}
	if report.Status != "" {
		if err := e.store.ApplyOrderUpdate(report.ClientOrderID, report.VenueOrderID, report.Status, report.Reason, time.Now().UnixNano()); err != nil {
			e.logger.Error("apply order update", "client_order_id", report.ClientOrderID, "error", err)
		}
	}
	_ = e.events.OrderUpdate(events.OrderUpdate{
		TsNs: time.Now().UnixNano(), ClientOrderID: report.ClientOrderID,
		VenueOrderID: report.VenueOrderID, Status: report.Status, Reason: report.Reason,
	})
}

// runPostTradeSweep periodically checks every open position for a
// stop-loss/take-profit trigger.
func (e *Engine) runPostTradeSweep() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, venueName := range e.registry.All() {
				for _, snap := range e.positions.All(venueName) {
					if sig, fired := e.riskEngine.CheckPostTrade(snap); fired {
						e.riskEngine.AddAlert(risk.LevelHigh, fmt.Sprintf("%s triggered for %s", sig.Kind, sig.Symbol), string(sig.Symbol))
						e.metrics.RiskAlert(risk.LevelHigh.String())
						e.logger.Warn("post-trade signal", "symbol", string(sig.Symbol), "kind", sig.Kind, "return", sig.Return)
					}
				}
			}
			e.metrics.SetCircuitBreakerTripped(e.riskEngine.IsCircuitBreakerTripped())
			e.emitAccountSnapshot()
		}
	}
}

// emitAccountSnapshot writes one "account" event carrying every asset's
// free/locked balance.
func (e *Engine) emitAccountSnapshot() {
	_ = e.events.Account(events.Account{
		TsNs:     time.Now().UnixNano(),
		Balances: events.BalancesFromSnapshots(e.ledger.All()),
	})
}

// reflectReconcilerState mirrors the reconciliation loop's freeze state
// into the metrics gauge so an operator can alert on it without polling
// IsStrategyFrozen directly.
func (e *Engine) reflectReconcilerState() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.metrics.SetStrategyFrozen(e.reconciler.IsStrategyFrozen())
		}
	}
}

// CreditBalance seeds asset with amount, for startup funding or an
// external deposit.
func (e *Engine) CreditBalance(asset string, amount decimal.Decimal) {
	e.ledger.Credit(asset, amount)
}

// Registry exposes the venue registry for callers that need to register
// a streaming adapter (wsadapter.Feed) built with a venue-specific
// Decoder, which this package has no way to construct generically.
func (e *Engine) Registry() *venue.Registry { return e.registry }

// Store exposes the order core for read-only inspection (dashboards,
// tests).
func (e *Engine) Store() *opc.Store { return e.store }

// Reconciler exposes the reconciliation loop for read-only inspection.
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.reconciler }

// RiskEngine exposes the risk engine for read-only inspection.
func (e *Engine) RiskEngine() *risk.Engine { return e.riskEngine }
