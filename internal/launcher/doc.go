// Package launcher starts and supervises detached agent runs.
//
// A launch returns as soon as the process exists; everything after
// that is observed through the event log. The watchdog is the only
// party that ever checks on the process directly, turning unnoticed
// crashes into explicit terminal events.
package launcher
