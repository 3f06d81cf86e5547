// ABOUTME: Canonical event types for the project activity log
// ABOUTME: Event envelope plus tagged-union payloads keyed by event type

package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type categorizes the kind of event in the project log.
type Type string

const (
	TypeSystem     Type = "system"
	TypeUser       Type = "user"
	TypeAssistant  Type = "assistant"
	TypeToolResult Type = "tool_result"
	TypeResult     Type = "result"
)

// Result subtypes carried by ResultPayload.
const (
	SubtypeSuccess     = "success"
	SubtypeError       = "error"
	SubtypeMaxTurns    = "error_max_turns"
	SubtypeProcessDied = "error_process_died"
)

// Event is an immutable, append-only record of one unit of agent
// activity or user input. Once written to the store it is never
// mutated or deleted; the total order per project is (CreatedAt, ID).
type Event struct {
	ID        string
	ProjectID string
	SessionID *string // nil for events that precede session creation
	Type      Type
	Data      Payload
	CreatedAt time.Time
}

// Payload is the event_data variant for one event type.
type Payload interface {
	isPayload()
}

// SystemPayload carries lifecycle notices: environment ready, session
// initialization, launch markers.
type SystemPayload struct {
	Message     string `json:"message"`
	ToolUse     string `json:"toolUse,omitempty"`
	ToolContext string `json:"toolContext,omitempty"`
}

// UserPayload carries a user message. CorrelationID is the
// client-generated id used to reconcile optimistic local copies.
type UserPayload struct {
	Text          string `json:"text"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// AssistantPayload carries free text produced by the agent backend.
type AssistantPayload struct {
	Text string `json:"text"`
}

// AssistantToolPayload carries a tool invocation by the agent backend.
// ToolContext is a short human-readable hint extracted from the tool's
// arguments (a file base name, a truncated command).
type AssistantToolPayload struct {
	ToolName    string          `json:"toolName"`
	ToolContext string          `json:"toolContext"`
	RawInput    json.RawMessage `json:"rawInput,omitempty"`
}

// ToolResultPayload carries filtered side-channel output from the
// sandbox (setup logs, dev-server stdout).
type ToolResultPayload struct {
	Output string `json:"output"`
	Stream string `json:"stream,omitempty"`
}

// ResultPayload is the terminal record of one agent run.
type ResultPayload struct {
	Subtype string `json:"subtype"`
}

func (SystemPayload) isPayload()        {}
func (UserPayload) isPayload()          {}
func (AssistantPayload) isPayload()     {}
func (AssistantToolPayload) isPayload() {}
func (ToolResultPayload) isPayload()    {}
func (ResultPayload) isPayload()        {}

// envelope is the stable wire/storage schema from the external
// interface contract.
type envelope struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	SessionID *string         `json:"session_id"`
	Type      Type            `json:"event_type"`
	Data      json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarshalJSON encodes the event in the envelope wire format.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}
	return json.Marshal(envelope{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		SessionID: e.SessionID,
		Type:      e.Type,
		Data:      data,
		CreatedAt: e.CreatedAt,
	})
}

// UnmarshalJSON decodes an envelope, selecting the payload variant by
// event_type. Unknown types are rejected rather than silently carried
// as opaque blobs.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("decoding event envelope: %w", err)
	}

	payload, err := DecodePayload(env.Type, env.Data)
	if err != nil {
		return err
	}

	e.ID = env.ID
	e.ProjectID = env.ProjectID
	e.SessionID = env.SessionID
	e.Type = env.Type
	e.Data = payload
	e.CreatedAt = env.CreatedAt
	return nil
}

// DecodePayload parses raw event_data into the variant for the given
// event type. Assistant events carry either a text or a tool payload;
// the presence of toolName selects between them.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch t {
	case TypeSystem:
		var p SystemPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding system payload: %w", err)
		}
		return p, nil

	case TypeUser:
		var p UserPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding user payload: %w", err)
		}
		return p, nil

	case TypeAssistant:
		var probe struct {
			ToolName *string `json:"toolName"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("decoding assistant payload: %w", err)
		}
		if probe.ToolName != nil {
			var p AssistantToolPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decoding assistant tool payload: %w", err)
			}
			return p, nil
		}
		var p AssistantPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding assistant text payload: %w", err)
		}
		return p, nil

	case TypeToolResult:
		var p ToolResultPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding tool result payload: %w", err)
		}
		return p, nil

	case TypeResult:
		var p ResultPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding result payload: %w", err)
		}
		return p, nil
	}

	return nil, fmt.Errorf("unknown event type %q", t)
}

// IsTerminal reports whether the event ends an agent run.
func (e *Event) IsTerminal() bool {
	return e.Type == TypeResult
}
