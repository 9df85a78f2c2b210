package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Intent is what a Command asks the relay controller to do.
type Intent string

const (
	IntentQuery Intent = "query"
	IntentOpen  Intent = "open"
	IntentClose Intent = "close"
)

// ParseIntent validates s as an Intent.
func ParseIntent(s string) (Intent, error) {
	switch i := Intent(s); i {
	case IntentQuery, IntentOpen, IntentClose:
		return i, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIntent, s)
	}
}

// Status is the relay position reported in a Response.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "close"
	StatusUnknown Status = "unknown"
)

// Valid reports whether s is one of the wire statuses.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed || s == StatusUnknown
}

var (
	ErrUnknownIntent = errors.New("command: unknown intent")
	ErrNotAResponse  = errors.New("command: payload is not a relay response")
)

// Command is published on the command topic.
//
//	{"status": "open", "id": "6f1c..."}
type Command struct {
	Intent Intent `json:"status"`
	// ID correlates the Response. Controllers that predate correlation ids
	// omit it from their replies.
	ID string `json:"id,omitempty"`
}

// Response is the controller's answer to a Command.
type Response struct {
	Result bool   `json:"result"`
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

// envelope is the wire form of a Response:
//
//	{"response": {"result": true, "status": "open", "reason": ""}, "id": "6f1c..."}
type envelope struct {
	Response *Response `json:"response"`
	ID       string    `json:"id,omitempty"`
}

// DecodeCommand parses a command payload. The intent is not validated so
// that the controller can answer unsupported intents.
func DecodeCommand(payload []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return c, nil
}

// EncodeResponse renders r with correlation id into its wire form.
func EncodeResponse(id string, r Response) ([]byte, error) {
	return json.Marshal(envelope{Response: &r, ID: id})
}

// DecodeResponse parses a response payload and rejects anything not shaped
// like a Response.
func DecodeResponse(payload []byte) (string, Response, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", Response{}, fmt.Errorf("%w: %w", ErrNotAResponse, err)
	}
	if env.Response == nil {
		return "", Response{}, fmt.Errorf("%w: missing response object", ErrNotAResponse)
	}
	if !env.Response.Status.Valid() {
		return "", Response{}, fmt.Errorf("%w: invalid status %q", ErrNotAResponse, env.Response.Status)
	}
	return env.ID, *env.Response, nil
}
