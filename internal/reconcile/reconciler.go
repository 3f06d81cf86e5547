// ABOUTME: Client-side reconciliation between catch-up fetches and live pushes
// ABOUTME: Disconnected/catching-up/live state machine with dedup and cursor tracking

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/driftbuild/forge/internal/dedupe"
	"github.com/driftbuild/forge/internal/event"
)

// State is the connection state of one client view.
type State int

const (
	StateDisconnected State = iota
	StateCatchingUp
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	}
	return "unknown"
}

// Source is the server as seen by one client: a historical fetch and a
// live subscription. Both deliver the same events; neither alone is
// sufficient, and overlap between them is expected.
type Source interface {
	// Fetch returns events with created_at strictly after the cursor,
	// in log order. An empty slice means caught up.
	Fetch(ctx context.Context, after time.Time) ([]*event.Event, error)

	// Subscribe opens the push channel. The channel closes when the
	// subscription drops; the caller reconnects.
	Subscribe(ctx context.Context) (<-chan *event.Event, error)
}

// View receives the reconciled, deduplicated event sequence.
type View interface {
	// Apply delivers an event the view has not seen.
	Apply(ev *event.Event)

	// Reconcile delivers the server-confirmed copy of an event this
	// client sent optimistically. The view replaces its local copy
	// rather than appending a duplicate.
	Reconcile(correlationID string, ev *event.Event)
}

// dedupeTTL is how long applied ids stay in the cache. Generous; the
// size bound is what actually limits memory.
const dedupeTTL = 10 * time.Minute

// Reconciler drives one client view through the
// disconnected/catching-up/live state machine. All UI state downstream
// of the View is a pure function of the event sequence it delivers, so
// the reconciler's only job is making that sequence complete, ordered,
// and duplicate-free despite an at-least-once transport.
type Reconciler struct {
	source Source
	view   View
	seen   *dedupe.Cache
	bo     backoff.BackOff
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	cursor  time.Time
	pending map[string]struct{} // correlation ids awaiting server confirmation
}

func New(source Source, view View) *Reconciler {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // reconnect forever
	return &Reconciler{
		source:  source,
		view:    view,
		seen:    dedupe.New(dedupeTTL, dedupe.DefaultCapacity),
		bo:      bo,
		logger:  slog.Default().With("component", "reconcile"),
		pending: make(map[string]struct{}),
	}
}

// State reports the current connection state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cursor reports the timestamp of the newest applied event.
func (r *Reconciler) Cursor() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// TrackPending registers a client-generated correlation id for an
// optimistic send. When the confirmed user event carrying the id
// arrives it reconciles instead of applying.
func (r *Reconciler) TrackPending(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[correlationID] = struct{}{}
}

// Run drives the state machine until ctx is cancelled. Subscription
// failures back off exponentially; a successful live phase resets the
// backoff.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return ctx.Err()
		}

		if err := r.connectAndConsume(ctx); err != nil {
			r.logger.Warn("subscription lost", "error", err)
		}
		r.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.bo.NextBackOff()):
		}
	}
}

// connectAndConsume performs one full subscribe/catch-up/live cycle.
// The subscription is opened before the catch-up fetch so the fetch
// covers any gap up to the first pushed event; the dedupe cache
// absorbs the overlap.
func (r *Reconciler) connectAndConsume(ctx context.Context) error {
	ch, err := r.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	r.setState(StateCatchingUp)
	if err := r.CatchUp(ctx); err != nil {
		return err
	}

	r.setState(StateLive)
	r.bo.Reset()
	r.logger.Debug("live", "cursor", r.Cursor())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("push channel closed")
			}
			r.handle(ev)
		}
	}
}

// CatchUp fetches and applies everything after the cursor, in batches,
// until a fetch comes back empty.
func (r *Reconciler) CatchUp(ctx context.Context) error {
	for {
		events, err := r.source.Fetch(ctx, r.Cursor())
		if err != nil {
			return fmt.Errorf("catch-up fetch: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			r.handle(ev)
		}
	}
}

// handle applies one event exactly once: duplicates are dropped by id,
// optimistic sends are reconciled by correlation id, everything else
// is applied. The cursor only moves forward.
func (r *Reconciler) handle(ev *event.Event) {
	if r.seen.CheckAndMark(ev.ID) {
		return
	}

	if cid := correlationID(ev); cid != "" {
		r.mu.Lock()
		_, isPending := r.pending[cid]
		if isPending {
			delete(r.pending, cid)
		}
		r.mu.Unlock()

		if isPending {
			r.view.Reconcile(cid, ev)
			r.advance(ev.CreatedAt)
			return
		}
	}

	r.view.Apply(ev)
	r.advance(ev.CreatedAt)
}

func (r *Reconciler) advance(ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts.After(r.cursor) {
		r.cursor = ts
	}
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Close releases the dedupe cache.
func (r *Reconciler) Close() {
	r.seen.Close()
}

func correlationID(ev *event.Event) string {
	if ev.Type != event.TypeUser {
		return ""
	}
	payload, ok := ev.Data.(event.UserPayload)
	if !ok {
		return ""
	}
	return payload.CorrelationID
}
