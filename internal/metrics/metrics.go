// Package metrics exposes the trading core's operational counters and
// gauges over a Prometheus /metrics endpoint: WAL write health,
// reconciliation mismatch/orphan counters, risk rejections and circuit
// breaker state, and SOR execution analytics. Every subsystem pushes into
// its own metric methods rather than reaching into a shared global
// registry, so a package can be exercised in tests without starting an
// HTTP server.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every metric the core exports and the HTTP server that
// serves them.
type Registry struct {
	reg *prometheus.Registry

	walWrites        *prometheus.CounterVec
	walWriteErrors   *prometheus.CounterVec
	walRotations     prometheus.Counter
	walBytesWritten  prometheus.Counter

	ordersPlaced    *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	fillsApplied    *prometheus.CounterVec

	riskCircuitBreakerTripped prometheus.Gauge
	riskAlertsTotal           *prometheus.CounterVec

	reconcileRuns                 *prometheus.CounterVec
	reconcileMismatches           *prometheus.CounterVec
	reconcileOrphansFound         *prometheus.CounterVec
	reconcileOrphansCancelled     *prometheus.CounterVec
	reconcileManualInterventions  *prometheus.CounterVec
	reconcileStrategyFrozen       prometheus.Gauge
	reconcileDurationSeconds      *prometheus.HistogramVec

	routerDecisions       *prometheus.CounterVec
	routerVenueScore      *prometheus.GaugeVec
	routerExecutedNotional *prometheus.CounterVec

	server *http.Server
}

// New creates a Registry with every metric registered under the "veloz"
// namespace.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{reg: reg}

	r.walWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "wal", Name: "writes_total",
		Help: "WAL frames appended, by entry type.",
	}, []string{"entry_type"})
	r.walWriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "wal", Name: "write_errors_total",
		Help: "WAL append failures, by entry type.",
	}, []string{"entry_type"})
	r.walRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "wal", Name: "rotations_total",
		Help: "WAL file rotations.",
	})
	r.walBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "wal", Name: "bytes_written_total",
		Help: "Bytes appended to the WAL.",
	})

	r.ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "opc", Name: "orders_placed_total",
		Help: "Orders accepted by the order core, by venue.",
	}, []string{"venue"})
	r.ordersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "opc", Name: "orders_rejected_total",
		Help: "Orders rejected by the order core, by reason.",
	}, []string{"reason"})
	r.fillsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "opc", Name: "fills_applied_total",
		Help: "Fills applied to local order state, by venue.",
	}, []string{"venue"})

	r.riskCircuitBreakerTripped = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloz", Subsystem: "risk", Name: "circuit_breaker_tripped",
		Help: "1 if the pre-trade circuit breaker is currently tripped, else 0.",
	})
	r.riskAlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "risk", Name: "alerts_total",
		Help: "Risk alerts raised, by level.",
	}, []string{"level"})

	r.reconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "reconcile", Name: "runs_total",
		Help: "Reconciliation passes run, by venue and outcome.",
	}, []string{"venue", "outcome"})
	r.reconcileMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "reconcile", Name: "mismatches_total",
		Help: "State mismatches found, by venue and severity.",
	}, []string{"venue", "severity"})
	r.reconcileOrphansFound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "reconcile", Name: "orphans_found_total",
		Help: "Orphaned exchange orders found, by venue.",
	}, []string{"venue"})
	r.reconcileOrphansCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "reconcile", Name: "orphans_cancelled_total",
		Help: "Orphaned exchange orders cancelled, by venue.",
	}, []string{"venue"})
	r.reconcileManualInterventions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "reconcile", Name: "manual_interventions_total",
		Help: "Mismatches that required manual intervention, by venue.",
	}, []string{"venue"})
	r.reconcileStrategyFrozen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veloz", Subsystem: "reconcile", Name: "strategy_frozen",
		Help: "1 if the reconciliation loop has frozen trading, else 0.",
	})
	r.reconcileDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "veloz", Subsystem: "reconcile", Name: "duration_seconds",
		Help:    "Reconciliation pass wall time, by venue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue"})

	r.routerDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "router", Name: "decisions_total",
		Help: "Routing decisions made, by chosen venue.",
	}, []string{"venue"})
	r.routerVenueScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "veloz", Subsystem: "router", Name: "venue_score",
		Help: "Most recent composite routing score per venue.",
	}, []string{"venue"})
	r.routerExecutedNotional = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veloz", Subsystem: "router", Name: "executed_notional_total",
		Help: "Cumulative executed notional, by venue.",
	}, []string{"venue"})

	reg.MustRegister(
		r.walWrites, r.walWriteErrors, r.walRotations, r.walBytesWritten,
		r.ordersPlaced, r.ordersRejected, r.fillsApplied,
		r.riskCircuitBreakerTripped, r.riskAlertsTotal,
		r.reconcileRuns, r.reconcileMismatches, r.reconcileOrphansFound,
		r.reconcileOrphansCancelled, r.reconcileManualInterventions,
		r.reconcileStrategyFrozen, r.reconcileDurationSeconds,
		r.routerDecisions, r.routerVenueScore, r.routerExecutedNotional,
	)

	return r
}

// Serve starts the /metrics HTTP endpoint on addr in a background
// goroutine; call Shutdown to stop it.
func (r *Registry) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	r.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(fmt.Sprintf("metrics: server error: %v", err))
		}
	}()
}

// Shutdown gracefully stops the metrics HTTP server, if Serve was called.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

// WALWrite records one successful WAL append.
func (r *Registry) WALWrite(entryType string, bytesWritten int) {
	r.walWrites.WithLabelValues(entryType).Inc()
	r.walBytesWritten.Add(float64(bytesWritten))
}

// WALWriteError records one failed WAL append.
func (r *Registry) WALWriteError(entryType string) {
	r.walWriteErrors.WithLabelValues(entryType).Inc()
}

// WALRotation records one WAL file rotation.
func (r *Registry) WALRotation() {
	r.walRotations.Inc()
}

// OrderPlaced records one accepted order.
func (r *Registry) OrderPlaced(venue string) {
	r.ordersPlaced.WithLabelValues(venue).Inc()
}

// OrderRejected records one rejected order.
func (r *Registry) OrderRejected(reason string) {
	r.ordersRejected.WithLabelValues(reason).Inc()
}

// FillApplied records one fill applied to local state.
func (r *Registry) FillApplied(venue string) {
	r.fillsApplied.WithLabelValues(venue).Inc()
}

// SetCircuitBreakerTripped reflects the risk engine's current breaker
// state.
func (r *Registry) SetCircuitBreakerTripped(tripped bool) {
	if tripped {
		r.riskCircuitBreakerTripped.Set(1)
		return
	}
	r.riskCircuitBreakerTripped.Set(0)
}

// RiskAlert records one raised risk alert.
func (r *Registry) RiskAlert(level string) {
	r.riskAlertsTotal.WithLabelValues(level).Inc()
}

// ReconcileRun records one completed reconciliation pass.
func (r *Registry) ReconcileRun(venue string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.reconcileRuns.WithLabelValues(venue, outcome).Inc()
	r.reconcileDurationSeconds.WithLabelValues(venue).Observe(duration.Seconds())
}

// ReconcileMismatch records one detected state mismatch.
func (r *Registry) ReconcileMismatch(venue, severity string) {
	r.reconcileMismatches.WithLabelValues(venue, severity).Inc()
}

// ReconcileOrphanFound records one orphaned order discovered.
func (r *Registry) ReconcileOrphanFound(venue string) {
	r.reconcileOrphansFound.WithLabelValues(venue).Inc()
}

// ReconcileOrphanCancelled records one orphaned order cancelled.
func (r *Registry) ReconcileOrphanCancelled(venue string) {
	r.reconcileOrphansCancelled.WithLabelValues(venue).Inc()
}

// ReconcileManualIntervention records one mismatch escalated to a human.
func (r *Registry) ReconcileManualIntervention(venue string) {
	r.reconcileManualInterventions.WithLabelValues(venue).Inc()
}

// SetStrategyFrozen reflects the reconciliation loop's freeze state.
func (r *Registry) SetStrategyFrozen(frozen bool) {
	if frozen {
		r.reconcileStrategyFrozen.Set(1)
		return
	}
	r.reconcileStrategyFrozen.Set(0)
}

// RouterDecision records one venue chosen by the coordinator.
func (r *Registry) RouterDecision(venue string) {
	r.routerDecisions.WithLabelValues(venue).Inc()
}

// SetRouterVenueScore records the most recent composite score for venue.
func (r *Registry) SetRouterVenueScore(venue string, score float64) {
	r.routerVenueScore.WithLabelValues(venue).Set(score)
}

// RouterExecutedNotional adds to the cumulative executed notional for
// venue.
func (r *Registry) RouterExecutedNotional(venue string, notional float64) {
	r.routerExecutedNotional.WithLabelValues(venue).Add(notional)
}
