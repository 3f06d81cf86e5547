// Package gateway is the HTTP surface of the system.
//
// Clients launch and observe agent runs; runners ship events in. The
// event endpoints implement the two halves of the delivery contract:
// a complete catch-up fetch and a lossy live SSE stream, reconciled
// client-side.
package gateway
