// Package reconcile is the periodic state-reconciliation loop described
// in spec §4.3: it polls each venue's authoritative order state through
// venue.ReconciliationQuerier, compares it against the local OPC store,
// auto-corrects minor drift, cancels orphaned venue-side orders, and
// freezes the strategy when drift crosses a configured threshold.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"veloz-core/internal/opc"
	"veloz-core/internal/venue"
	"veloz-core/pkg/types"
)

// EventType is the reconciliation audit-trail event kind.
type EventType uint8

const (
	EventStarted EventType = iota
	EventCompleted
	EventStateMismatch
	EventOrphanedOrderFound
	EventOrderCorrected
	EventOrderCancelled
	EventError
	EventStrategyFrozen
	EventStrategyResumed
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStateMismatch:
		return "state_mismatch"
	case EventOrphanedOrderFound:
		return "orphaned_order_found"
	case EventOrderCorrected:
		return "order_corrected"
	case EventOrderCancelled:
		return "order_cancelled"
	case EventError:
		return "error"
	case EventStrategyFrozen:
		return "strategy_frozen"
	case EventStrategyResumed:
		return "strategy_resumed"
	default:
		return "unknown"
	}
}

// Action is the corrective action a reconciliation pass took.
type Action uint8

const (
	ActionNone Action = iota
	ActionUpdateLocalState
	ActionCancelOrphanedOrder
	ActionFreezeStrategy
	ActionManualIntervention
)

// Severity ranks how serious a detected mismatch is.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StateMismatch records one local/exchange order-state discrepancy.
type StateMismatch struct {
	ClientOrderID           string
	Symbol                  types.Symbol
	LocalStatus             types.OrderStatus
	ExchangeStatus          types.OrderStatus
	LocalFilledQty          float64
	ExchangeFilledQty       float64
	LocalAvgPrice           float64
	ExchangeAvgPrice        float64
	ActionTaken             Action
	Severity                Severity
	DetectedTsNs            int64
	RequiresManualIntervention bool
	InterventionReason      string
}

// ManualInterventionItem is a mismatch too severe to auto-correct.
type ManualInterventionItem struct {
	ID            string
	ClientOrderID string
	Symbol        types.Symbol
	Venue         types.Venue
	Description   string
	Severity      Severity
	CreatedTsNs   int64
	ResolvedTsNs  int64
	Resolved      bool
	ResolutionNotes string
}

// Event is one audit-trail entry.
type Event struct {
	Type      EventType
	TsNs      int64
	Message   string
	Mismatch  *StateMismatch
	Severity  Severity
}

// Report summarizes one reconciliation cycle for one venue.
type Report struct {
	ID                      string
	Venue                   types.Venue
	StartTsNs               int64
	EndTsNs                 int64
	OrdersChecked           int
	OrdersMatched           int
	MismatchesFound         int
	MismatchesAutoResolved  int
	OrphanedOrdersFound     int
	OrphanedOrdersCancelled int
	ManualInterventionsRequired int
	Mismatches              []StateMismatch
	Success                 bool
	ErrorMessage            string
	MaxSeverity             Severity
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval                time.Duration
	StaleOrderThreshold     time.Duration
	AutoCancelOrphaned      bool
	FreezeOnMismatch        bool
	MaxMismatchesBeforeFreeze int
	MaxAuditHistory         int
}

// DefaultConfig mirrors the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{
		Interval:                  30 * time.Second,
		StaleOrderThreshold:       5 * time.Minute,
		AutoCancelOrphaned:        false,
		FreezeOnMismatch:          true,
		MaxMismatchesBeforeFreeze: 3,
		MaxAuditHistory:           1000,
	}
}

// Stats accumulates lifetime reconciliation counters.
type Stats struct {
	TotalReconciliations     int64
	SuccessfulReconciliations int64
	FailedReconciliations    int64
	MismatchesDetected       int64
	MismatchesCorrected      int64
	OrphanedOrdersFound      int64
	OrphanedOrdersCancelled  int64
	StrategyFreezes          int64
	LastReconciliationTsNs   int64
	LastReconciliationDuration time.Duration
}

// Reconciler runs the periodic reconciliation loop across every
// registered venue that implements venue.ReconciliationQuerier.
type Reconciler struct {
	store     *opc.Store
	registry  *venue.Registry
	logger    *slog.Logger
	cfg       Config

	mu                    sync.RWMutex
	events                []Event
	lastReports           map[types.Venue]Report
	pendingInterventions  []ManualInterventionItem
	stats                 Stats
	strategyFrozen        bool
	consecutiveMismatches int
}

// New creates a Reconciler wired to store and registry.
func New(store *opc.Store, registry *venue.Registry, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.MaxAuditHistory <= 0 {
		cfg.MaxAuditHistory = 1000
	}
	return &Reconciler{
		store:       store,
		registry:    registry,
		cfg:         cfg,
		logger:      logger.With("component", "reconcile"),
		lastReports: make(map[types.Venue]Report),
	}
}

// Run ticks every cfg.Interval until ctx is cancelled, reconciling every
// venue each tick.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll reconciles every registered venue once.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	for _, v := range r.registry.All() {
		r.ReconcileVenue(ctx, v)
	}
}

// ReconcileVenue reconciles one venue's orders against local OPC state.
// Venues whose adapter doesn't implement venue.ReconciliationQuerier get
// a failed report with nothing polled (push-only integrations have
// nothing to poll).
func (r *Reconciler) ReconcileVenue(ctx context.Context, v types.Venue) Report {
	start := time.Now()
	report := Report{ID: uuid.NewString(), Venue: v, StartTsNs: start.UnixNano(), Success: true}

	r.emitEvent(Event{Type: EventStarted, TsNs: start.UnixNano(), Message: fmt.Sprintf("reconciliation started for %s", v)})

	adapter, ok := r.registry.Get(v)
	if !ok {
		report.Success = false
		report.ErrorMessage = "venue not registered"
		return r.finish(report, start)
	}
	querier, ok := adapter.(venue.ReconciliationQuerier)
	if !ok {
		report.Success = false
		report.ErrorMessage = "adapter does not support reconciliation queries"
		return r.finish(report, start)
	}

	localOrders := r.localPendingOrdersFor(v)
	knownIDs := make(map[string]bool, len(localOrders))

	for _, local := range localOrders {
		knownIDs[local.ClientOrderID] = true
		report.OrdersChecked++

		exchange, found, err := querier.QueryOrder(ctx, local.Symbol, local.ClientOrderID)
		if err != nil {
			r.emitEvent(Event{Type: EventError, TsNs: time.Now().UnixNano(), Message: err.Error(), Severity: SeverityError})
			continue
		}
		if !found {
			continue // not yet visible venue-side; not a mismatch
		}

		mismatch, ok := r.compareOrderState(local, exchange)
		if !ok {
			report.OrdersMatched++
			continue
		}

		report.MismatchesFound++
		report.Mismatches = append(report.Mismatches, mismatch)
		if mismatch.Severity > report.MaxSeverity {
			report.MaxSeverity = mismatch.Severity
		}
		mismatch = r.handleMismatch(v, mismatch)
		if mismatch.ActionTaken == ActionUpdateLocalState {
			report.MismatchesAutoResolved++
		}
		if mismatch.RequiresManualIntervention {
			report.ManualInterventionsRequired++
		}
	}

	orphans := r.findOrphans(ctx, querier, localOrders, knownIDs)
	report.OrphanedOrdersFound = len(orphans)
	for _, orphan := range orphans {
		r.emitEvent(Event{Type: EventOrphanedOrderFound, TsNs: time.Now().UnixNano(), Message: fmt.Sprintf("orphaned order %s on %s", orphan.ClientOrderID, v), Severity: SeverityWarning})
		if r.cfg.AutoCancelOrphaned {
			if err := querier.CancelOrder(ctx, orphan.Symbol, orphan.ClientOrderID); err != nil {
				r.emitEvent(Event{Type: EventError, TsNs: time.Now().UnixNano(), Message: err.Error(), Severity: SeverityError})
				continue
			}
			report.OrphanedOrdersCancelled++
			r.emitEvent(Event{Type: EventOrderCancelled, TsNs: time.Now().UnixNano(), Message: fmt.Sprintf("cancelled orphaned order %s", orphan.ClientOrderID)})
		}
	}

	return r.finish(report, start)
}

func (r *Reconciler) localPendingOrdersFor(v types.Venue) []opc.Order {
	var out []opc.Order
	for _, o := range r.store.ListPending() {
		if o.Venue == v {
			out = append(out, o)
		}
	}
	return out
}

// findOrphans queries every symbol with a locally pending order for open
// venue-side orders and reports any whose client order ID is unknown
// locally (per-symbol query keeps this bounded to symbols we actually trade).
func (r *Reconciler) findOrphans(ctx context.Context, querier venue.ReconciliationQuerier, localOrders []opc.Order, knownIDs map[string]bool) []types.ExecutionReport {
	symbols := make(map[types.Symbol]bool)
	for _, o := range localOrders {
		symbols[o.Symbol] = true
	}

	var orphans []types.ExecutionReport
	for symbol := range symbols {
		openOrders, err := querier.QueryOpenOrders(ctx, symbol)
		if err != nil {
			r.emitEvent(Event{Type: EventError, TsNs: time.Now().UnixNano(), Message: err.Error(), Severity: SeverityError})
			continue
		}
		for _, o := range openOrders {
			if !knownIDs[o.ClientOrderID] {
				orphans = append(orphans, o)
			}
		}
	}
	return orphans
}

// compareOrderState finds a mismatch between local and exchange order
// state. ExecutionReport.LastFillQty/LastFillPrice are treated as the
// venue's authoritative cumulative fill state for a queried order (as
// opposed to an incremental push event).
func (r *Reconciler) compareOrderState(local opc.Order, exchange types.ExecutionReport) (StateMismatch, bool) {
	statusDiffers := local.Status != exchange.Status
	qtyDiffers := !quantitiesEqual(local.CumQty, exchange.LastFillQty)

	if !statusDiffers && !qtyDiffers {
		return StateMismatch{}, false
	}

	m := StateMismatch{
		ClientOrderID:     local.ClientOrderID,
		Symbol:            local.Symbol,
		LocalStatus:       local.Status,
		ExchangeStatus:    exchange.Status,
		LocalFilledQty:    local.CumQty,
		ExchangeFilledQty: exchange.LastFillQty,
		LocalAvgPrice:     local.AvgPrice,
		ExchangeAvgPrice:  exchange.LastFillPrice,
		DetectedTsNs:      time.Now().UnixNano(),
	}
	m.Severity = determineSeverity(m)
	m.RequiresManualIntervention = requiresManualIntervention(m)
	return m, true
}

func quantitiesEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-8
}

// determineSeverity grades a mismatch. The exchange reporting an
// unexpected rejection or cancellation while we still think the order is
// live is critical (something rejected or killed the order out of band);
// the exchange simply running ahead of us toward a fill is routine
// catch-up; any other status divergence is treated as an error needing a
// closer look but not an immediate freeze.
func determineSeverity(m StateMismatch) Severity {
	switch {
	case (m.ExchangeStatus == types.StatusRejected || m.ExchangeStatus == types.StatusCanceled) && !m.LocalStatus.IsTerminal():
		return SeverityCritical
	case m.ExchangeStatus == types.StatusFilled || m.ExchangeStatus == types.StatusPartiallyFilled:
		return SeverityWarning
	case m.LocalStatus != m.ExchangeStatus:
		return SeverityError
	default:
		return SeverityWarning
	}
}

func requiresManualIntervention(m StateMismatch) bool {
	return m.Severity == SeverityCritical
}

// handleMismatch applies the correction policy for mismatch: update local
// state for non-critical drift; for critical drift, file a
// manual-intervention item and, when FreezeOnMismatch is set, freeze the
// strategy once MaxMismatchesBeforeFreeze consecutive critical mismatches
// have been seen. It returns mismatch with ActionTaken set to the action
// applied (left unset if the local correction failed).
func (r *Reconciler) handleMismatch(v types.Venue, mismatch StateMismatch) StateMismatch {
	r.mu.Lock()
	r.stats.MismatchesDetected++
	r.mu.Unlock()

	if mismatch.Severity == SeverityCritical {
		r.mu.Lock()
		r.consecutiveMismatches++
		shouldFreeze := r.cfg.FreezeOnMismatch && r.consecutiveMismatches >= r.cfg.MaxMismatchesBeforeFreeze
		r.mu.Unlock()

		r.addIntervention(ManualInterventionItem{
			ID:            uuid.NewString(),
			ClientOrderID: mismatch.ClientOrderID,
			Symbol:        mismatch.Symbol,
			Venue:         v,
			Description:   fmt.Sprintf("status mismatch: local=%s exchange=%s", mismatch.LocalStatus, mismatch.ExchangeStatus),
			Severity:      mismatch.Severity,
			CreatedTsNs:   mismatch.DetectedTsNs,
		})

		if shouldFreeze {
			r.freezeStrategy(fmt.Sprintf("%d consecutive critical mismatches on %s", r.consecutiveMismatches, v))
		}
		mismatch.ActionTaken = ActionManualIntervention
		r.emitEvent(Event{Type: EventStateMismatch, TsNs: mismatch.DetectedTsNs, Message: "critical state mismatch", Mismatch: &mismatch, Severity: mismatch.Severity})
		return mismatch
	}

	r.mu.Lock()
	r.consecutiveMismatches = 0
	r.mu.Unlock()

	if err := r.correctLocalState(mismatch); err != nil {
		r.emitEvent(Event{Type: EventError, TsNs: time.Now().UnixNano(), Message: err.Error(), Severity: SeverityError})
		return mismatch
	}
	mismatch.ActionTaken = ActionUpdateLocalState
	r.mu.Lock()
	r.stats.MismatchesCorrected++
	r.mu.Unlock()
	r.emitEvent(Event{Type: EventOrderCorrected, TsNs: time.Now().UnixNano(), Message: fmt.Sprintf("corrected %s to match venue state", mismatch.ClientOrderID), Mismatch: &mismatch, Severity: mismatch.Severity})
	return mismatch
}

// correctLocalState feeds the exchange's reported state through OPC's
// standard update path rather than mutating order fields directly, so
// every correction is journaled like any other state transition.
func (r *Reconciler) correctLocalState(mismatch StateMismatch) error {
	now := time.Now().UnixNano()

	if delta := mismatch.ExchangeFilledQty - mismatch.LocalFilledQty; delta > 1e-8 {
		price := mismatch.ExchangeAvgPrice
		if price == 0 {
			price = mismatch.LocalAvgPrice
		}
		if err := r.store.ApplyFill(mismatch.ClientOrderID, delta, price, now); err != nil {
			return err
		}
	}

	if mismatch.LocalStatus != mismatch.ExchangeStatus {
		if err := r.store.ApplyOrderUpdate(mismatch.ClientOrderID, "", mismatch.ExchangeStatus, "reconciliation_correction", now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) finish(report Report, start time.Time) Report {
	end := time.Now()
	report.EndTsNs = end.UnixNano()

	r.mu.Lock()
	r.lastReports[report.Venue] = report
	r.stats.TotalReconciliations++
	if report.Success {
		r.stats.SuccessfulReconciliations++
	} else {
		r.stats.FailedReconciliations++
	}
	r.stats.OrphanedOrdersFound += int64(report.OrphanedOrdersFound)
	r.stats.OrphanedOrdersCancelled += int64(report.OrphanedOrdersCancelled)
	r.stats.LastReconciliationTsNs = end.UnixNano()
	r.stats.LastReconciliationDuration = end.Sub(start)
	r.mu.Unlock()

	r.emitEvent(Event{Type: EventCompleted, TsNs: end.UnixNano(), Message: fmt.Sprintf("reconciliation completed for %s: %d checked, %d mismatches", report.Venue, report.OrdersChecked, report.MismatchesFound)})
	return report
}

func (r *Reconciler) freezeStrategy(reason string) {
	r.mu.Lock()
	already := r.strategyFrozen
	r.strategyFrozen = true
	r.stats.StrategyFreezes++
	r.mu.Unlock()

	if !already {
		r.logger.Warn("strategy frozen", "reason", reason)
		r.emitEvent(Event{Type: EventStrategyFrozen, TsNs: time.Now().UnixNano(), Message: reason, Severity: SeverityCritical})
	}
}

// IsStrategyFrozen reports whether new order submission should be
// suppressed pending manual review.
func (r *Reconciler) IsStrategyFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategyFrozen
}

// ResumeStrategy manually clears the freeze, e.g. after an operator
// resolves the underlying intervention items.
func (r *Reconciler) ResumeStrategy() {
	r.mu.Lock()
	r.strategyFrozen = false
	r.consecutiveMismatches = 0
	r.mu.Unlock()
	r.emitEvent(Event{Type: EventStrategyResumed, TsNs: time.Now().UnixNano(), Message: "strategy resumed"})
}

// Stats returns a copy of the lifetime reconciliation counters.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// LastReport returns the most recent reconciliation report for v.
func (r *Reconciler) LastReport(v types.Venue) (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.lastReports[v]
	return report, ok
}

// RecentEvents returns up to maxCount of the most recent audit events.
func (r *Reconciler) RecentEvents(maxCount int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if maxCount <= 0 || maxCount > len(r.events) {
		maxCount = len(r.events)
	}
	out := make([]Event, maxCount)
	copy(out, r.events[len(r.events)-maxCount:])
	return out
}

func (r *Reconciler) emitEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	if len(r.events) > r.cfg.MaxAuditHistory {
		r.events = r.events[len(r.events)-r.cfg.MaxAuditHistory:]
	}
	r.mu.Unlock()

	r.logger.Info("reconciliation event", "type", e.Type.String(), "message", e.Message)
}

func (r *Reconciler) addIntervention(item ManualInterventionItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingInterventions = append(r.pendingInterventions, item)
}

// PendingInterventions returns every unresolved manual-intervention item.
func (r *Reconciler) PendingInterventions() []ManualInterventionItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ManualInterventionItem, 0, len(r.pendingInterventions))
	for _, item := range r.pendingInterventions {
		if !item.Resolved {
			out = append(out, item)
		}
	}
	return out
}

// ResolveIntervention marks the intervention item id resolved.
func (r *Reconciler) ResolveIntervention(id, notes string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pendingInterventions {
		if r.pendingInterventions[i].ID == id {
			r.pendingInterventions[i].Resolved = true
			r.pendingInterventions[i].ResolutionNotes = notes
			r.pendingInterventions[i].ResolvedTsNs = time.Now().UnixNano()
			return true
		}
	}
	return false
}

// ExportReportJSON serializes report for the operator-facing API/log sink.
func ExportReportJSON(report Report) (string, error) {
	b, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SummaryLine renders a one-line human-readable summary of report.
func SummaryLine(report Report) string {
	return fmt.Sprintf("[%s] venue=%s checked=%d matched=%d mismatches=%d orphans=%d/%d severity=%s",
		report.ID, report.Venue, report.OrdersChecked, report.OrdersMatched,
		report.MismatchesFound, report.OrphanedOrdersCancelled, report.OrphanedOrdersFound, report.MaxSeverity)
}
