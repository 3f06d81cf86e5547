// Package dedupe provides a bounded seen-id cache for collapsing
// duplicate event deliveries on subscribing clients.
package dedupe
