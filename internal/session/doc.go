// Package session tracks resumable agent conversations.
//
// Session ids are assigned by the agent backend, not by this system;
// the registry learns about a session when the backend's
// initialization event announces it. Resume requests are validated
// against the registry and rejected outright for unknown or
// non-active sessions, so a stale client can never silently start a
// different conversation than the one it asked for.
package session
