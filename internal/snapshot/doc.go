// Package snapshot archives project workspaces out of ephemeral
// sandboxes.
package snapshot
