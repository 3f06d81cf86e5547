// Package eventclient is the runner's write path to the gateway.
//
// It provides at-least-once delivery with a small retry budget.
// Exactly-once is explicitly not attempted; duplicates are cheaper to
// absorb downstream than to prevent here.
package eventclient
