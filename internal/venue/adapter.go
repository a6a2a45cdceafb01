// Package venue defines the venue-neutral contract every exchange
// integration implements: place/cancel, connection lifecycle, and the
// reconciliation query interface. Concrete adapters (internal/venue/restadapter,
// internal/venue/wsadapter) and the reconciliation loop depend only on
// this package, never on each other.
package venue

import (
	"context"
	"time"

	"veloz-core/pkg/types"
)

// DefaultCallTimeout is a 10-second per-call network timeout. No adapter
// in this module reads it; restadapter applies its own 10-second default
// when its Config.Timeout is unset.
const DefaultCallTimeout = 10 * time.Second

// Adapter is the exchange-adapter interface every venue integration
// implements. place/cancel return (report, false) rather than an error
// on a transient I/O failure — the caller (SOR) decides whether to
// fail over to another venue. Adapters must be safe for concurrent use.
type Adapter interface {
	Place(ctx context.Context, req types.PlaceOrderRequest) (types.ExecutionReport, bool)
	Cancel(ctx context.Context, req types.CancelOrderRequest) (types.ExecutionReport, bool)

	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect() error

	Name() string
	Version() string
}

// ReconciliationQuerier is the optional adapter-query interface from
// §4.3: the reconciliation loop uses it to pull authoritative venue-side
// state to compare against local OPC state. An adapter that cannot
// support it (e.g. push-only venues) simply doesn't implement it; the
// reconciliation loop type-asserts for it.
type ReconciliationQuerier interface {
	QueryOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.ExecutionReport, error)
	QueryOrder(ctx context.Context, symbol types.Symbol, clientOrderID string) (types.ExecutionReport, bool, error)
	QueryOrders(ctx context.Context, symbol types.Symbol, tFromMs, tToMs int64) ([]types.ExecutionReport, error)
	CancelOrder(ctx context.Context, symbol types.Symbol, clientOrderID string) error
}

// Registry tracks every configured adapter by venue name, used by the
// exchange coordinator to dispatch and by reconciliation to iterate.
type Registry struct {
	adapters map[types.Venue]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.Venue]Adapter)}
}

// Add registers an adapter under venue. Registering the same venue twice
// replaces the previous adapter.
func (r *Registry) Add(venueName types.Venue, a Adapter) {
	r.adapters[venueName] = a
}

// Get returns the adapter for venue, or false if unregistered.
func (r *Registry) Get(venueName types.Venue) (Adapter, bool) {
	a, ok := r.adapters[venueName]
	return a, ok
}

// All returns every registered venue name, in no particular order.
func (r *Registry) All() []types.Venue {
	out := make([]types.Venue, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	return out
}

// Connected returns every registered venue whose adapter currently
// reports itself connected.
func (r *Registry) Connected() []types.Venue {
	out := make([]types.Venue, 0, len(r.adapters))
	for v, a := range r.adapters {
		if a.IsConnected() {
			out = append(out, v)
		}
	}
	return out
}
