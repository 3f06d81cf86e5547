// Package event defines the canonical event records that make up a
// project's append-only activity log.
//
// Every unit of agent activity (lifecycle notices, user input,
// assistant output, tool invocations, filtered sandbox output, and the
// terminal result of a run) is represented as an Event with a payload
// variant selected by its type. The JSON envelope is the stable wire
// and storage contract shared by the gateway, the in-sandbox runner,
// and subscribing clients; all UI state is a pure function of the
// ordered event sequence for a project.
package event
