// Package config loads and validates forge-gateway configuration from
// YAML files.
//
// Configuration files support ${VAR_NAME} environment variable
// expansion and human-readable duration strings ("30m", "1h") for the
// sandbox lifetime, session expiry, and watchdog timings. Every field
// has a production default so the gateway can start with no config
// file at all.
package config
