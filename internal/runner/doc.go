// Package runner is the process that lives inside the sandbox.
//
// It drives the agent backend CLI, translates the backend's structured
// stream into canonical events, filters side-channel output down to
// the lines a user would care about, and ships everything to the
// gateway. It never talks to the database directly.
package runner
