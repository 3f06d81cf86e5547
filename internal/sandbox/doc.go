// Package sandbox provisions the ephemeral environments agents run in.
//
// Sandboxes are disposable: they carry a fixed lifetime, nothing in
// them is durable, and destruction is always safe. Processes started
// in a sandbox are detached; there is no exit callback, and liveness
// is observed by probing.
package sandbox
