// Package eventbus fans newly inserted events out to live subscribers.
//
// It is the push half of the event store contract: inserts notify every
// current subscriber for the matching project, with no ordering
// guarantee relative to a concurrent historical read and no
// backpressure: a subscriber that cannot keep up loses pushes and
// recovers them through a catch-up fetch.
package eventbus
