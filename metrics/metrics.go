// Package metrics defines the instrumentation hook used across the storefront
// packages. Components accept a Sink and default to Nop.
package metrics

// Sink allows optional instrumentation without hard dependency.
type Sink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string)                {}
func (Nop) ObserveHistogram(string, float64, map[string]string) {}

// Metric names emitted by the storefront packages.
const (
	SessionTransitions   = "session.transitions"
	SessionOpDuration    = "session.op.duration_seconds"
	SessionOpRejected    = "session.op.rejected"
	SessionPersistFail   = "session.persist.failures"
	AuthEventsApplied    = "auth_events.applied"
	AuthEventsDiscarded  = "auth_events.discarded"
	CartMutations        = "cart.mutations"
	CartPersistFailures  = "cart.persist.failures"
	CartSyncPushed       = "cart.sync.pushed"
	CartSyncFailures     = "cart.sync.failures"
	ReconcileRuns        = "reconcile.runs"
	ReconcileDuration    = "reconcile.duration_seconds"
	ReconcileSkippedLine = "reconcile.skipped_lines"
)
