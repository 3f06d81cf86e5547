// Package reconcile makes at-least-once delivery look exactly-once to
// a client view.
//
// The server gives no single channel that is both complete and live:
// the catch-up fetch is complete but static, the push subscription is
// live but lossy. The reconciler runs both, collapses the overlap with
// a bounded dedup cache, and feeds the view one ordered,
// duplicate-free sequence.
package reconcile
