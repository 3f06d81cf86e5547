// ABOUTME: Parser for the agent backend's line-delimited stream output
// ABOUTME: Translates backend messages into canonical events

package runner

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/driftbuild/forge/internal/event"
)

// maxCommandContext bounds the toolContext extracted from shell
// commands, in runes.
const maxCommandContext = 80

// backendMessage is the subset of the backend CLI's stream-json schema
// the parser cares about. Unknown message types are skipped, not
// errors; backends add message kinds over time.
type backendMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   *backendContent `json:"message"`
}

type backendContent struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseResult is what one backend line translates to.
type ParseResult struct {
	// Events to forward, in order. May be empty for skipped lines.
	Events []*event.Event

	// SessionID is set when the line announced the backend session id
	// (the init message). The runner must register it before
	// forwarding anything that references it.
	SessionID string

	// Terminal is set when the line was the run's result.
	Terminal bool
	// Subtype carries the result subtype when Terminal is set.
	Subtype string
}

// Parser converts backend stream lines into events for one project.
type Parser struct {
	projectID string
	sessionID string
}

func NewParser(projectID string) *Parser {
	return &Parser{projectID: projectID}
}

// SetSessionID primes the parser with a resumed session id so
// subsequent events carry it even before the backend re-announces it.
func (p *Parser) SetSessionID(id string) {
	p.sessionID = id
}

// ParseLine translates one line of backend output. Malformed JSON is
// an error; well-formed messages of unknown type parse to an empty
// result.
func (p *Parser) ParseLine(line []byte) (*ParseResult, error) {
	var msg backendMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("parsing backend line: %w", err)
	}

	switch msg.Type {
	case "system":
		return p.parseSystem(&msg)
	case "assistant":
		return p.parseAssistant(&msg)
	case "result":
		return p.parseResult(&msg)
	default:
		return &ParseResult{}, nil
	}
}

// parseSystem handles the init announcement. A resumed run re-announces
// the same session id; that must not produce a second init event.
func (p *Parser) parseSystem(msg *backendMessage) (*ParseResult, error) {
	if msg.Subtype != "init" || msg.SessionID == "" {
		return &ParseResult{}, nil
	}

	resumed := p.sessionID == msg.SessionID
	p.sessionID = msg.SessionID

	res := &ParseResult{SessionID: msg.SessionID}
	if !resumed {
		res.Events = append(res.Events, p.newEvent(event.TypeSystem, event.SystemPayload{
			Message: "Session started",
		}))
	}
	return res, nil
}

func (p *Parser) parseAssistant(msg *backendMessage) (*ParseResult, error) {
	if msg.Message == nil {
		return &ParseResult{}, nil
	}

	res := &ParseResult{}
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			res.Events = append(res.Events, p.newEvent(event.TypeAssistant, event.AssistantPayload{
				Text: block.Text,
			}))
		case "tool_use":
			res.Events = append(res.Events, p.newEvent(event.TypeAssistant, event.AssistantToolPayload{
				ToolName:    block.Name,
				ToolContext: toolContext(block.Input),
				RawInput:    block.Input,
			}))
		}
	}
	return res, nil
}

func (p *Parser) parseResult(msg *backendMessage) (*ParseResult, error) {
	subtype := msg.Subtype
	if subtype == "" {
		subtype = event.SubtypeError
	}
	return &ParseResult{
		Events: []*event.Event{
			p.newEvent(event.TypeResult, event.ResultPayload{Subtype: subtype}),
		},
		Terminal: true,
		Subtype:  subtype,
	}, nil
}

func (p *Parser) newEvent(t event.Type, data event.Payload) *event.Event {
	ev := &event.Event{
		ProjectID: p.projectID,
		Type:      t,
		Data:      data,
	}
	if p.sessionID != "" {
		sid := p.sessionID
		ev.SessionID = &sid
	}
	return ev
}

// toolContext extracts a short human-readable hint from tool input:
// the base name for file tools, a truncated command for shell tools.
func toolContext(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var args struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
		Command  string `json:"command"`
		Pattern  string `json:"pattern"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}

	switch {
	case args.FilePath != "":
		return filepath.Base(args.FilePath)
	case args.Path != "":
		return filepath.Base(args.Path)
	case args.Command != "":
		return truncateRunes(args.Command, maxCommandContext)
	case args.Pattern != "":
		return args.Pattern
	}
	return ""
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
