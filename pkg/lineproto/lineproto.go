// ABOUTME: Line-delimited JSON protocol spoken between the host and helper child processes
// ABOUTME: One object per line; requests carry ids, notifications and events do not

package lineproto

import (
	"encoding/json"
	"fmt"
)

// MaxLineSize bounds a single protocol line in either direction.
const MaxLineSize = 10 * 1024 * 1024 // 10MB

// CancelMethod is the notification sent by the host when a call's inner timeout
// expires. Params are CancelParams.
const CancelMethod = "$/cancel"

// Standard error codes used on the line protocol.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeCancelled      = -32800
	CodeServer         = -32000
)

// Request is a host-to-helper line. ID 0 marks a notification; the helper
// must not answer it.
type Request struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == 0
}

// Response is a helper-to-host reply matched to a request by ID.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error object carried by a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("helper error %d: %s", e.Code, e.Message)
}

// Event is an unsolicited helper-to-host line used for liveness and progress.
type Event struct {
	Event string          `json:"event"`
	Value json.RawMessage `json:"value,omitempty"`
}

// CancelParams identifies the request a CancelMethod notification refers to.
type CancelParams struct {
	ID int64 `json:"id"`
}

// Line is the decoded shape of any helper-to-host line. Exactly one of
// Response or Event is set.
type Line struct {
	Response *Response
	Event    *Event
}

// probe is used to classify an incoming line without decoding it twice.
type probe struct {
	ID     *int64          `json:"id"`
	Event  *string         `json:"event"`
	Value  json.RawMessage `json:"value"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// ParseLine classifies a helper-to-host line as a response or an event.
// Lines that are not JSON objects, or that carry neither an id nor an
// event name, are rejected.
func ParseLine(data []byte) (Line, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return Line{}, fmt.Errorf("parsing line: %w", err)
	}
	switch {
	case p.Event != nil:
		return Line{Event: &Event{Event: *p.Event, Value: p.Value}}, nil
	case p.ID != nil:
		return Line{Response: &Response{ID: *p.ID, Result: p.Result, Error: p.Error}}, nil
	default:
		return Line{}, fmt.Errorf("line has neither id nor event")
	}
}

// Encode marshals v and appends the line terminator.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
