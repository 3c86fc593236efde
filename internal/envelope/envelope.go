// ABOUTME: Surface-facing message envelopes: request, response and event
// ABOUTME: Decode classifies a raw frame once into a tagged union at the transport boundary

package envelope

import (
	"encoding/json"
	"fmt"
)

// NotificationID is the reserved id of fire-and-forget requests. Client stubs
// allocate real ids starting at 1, so it never collides with a pending call.
const NotificationID int64 = 0

// Message is one decoded surface frame: *Request, *Response or *Event.
type Message interface {
	isMessage()
}

// Request is sent by a surface to invoke providerId.method.
type Request struct {
	ID         int64             `json:"id"`
	ProviderID string            `json:"providerId"`
	Method     string            `json:"method"`
	Params     []json.RawMessage `json:"params"`
	// Target names another surface whose controller owns the provider.
	// Empty means the receiving surface.
	Target string `json:"target,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == NotificationID
}

// Key returns the provider.method routing key.
func (r *Request) Key() string {
	return r.ProviderID + "." + r.Method
}

// Response answers a Request with the same id. A non-nil Error takes
// precedence over Result.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Error != nil
}

// Event is an unsolicited host-to-surface notification. It never carries an id.
type Event struct {
	Event string          `json:"event"`
	Value json.RawMessage `json:"value"`
}

func (*Request) isMessage()  {}
func (*Response) isMessage() {}
func (*Event) isMessage()    {}

// NewEvent builds an Event, marshaling value.
func NewEvent(name string, value any) (*Event, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s event: %w", name, err)
	}
	return &Event{Event: name, Value: raw}, nil
}

// Success builds a result response, marshaling result. A marshal failure is
// turned into an internal error response.
func Success(id int64, result any) *Response {
	if raw, ok := result.(json.RawMessage); ok {
		if raw == nil {
			raw = json.RawMessage("null")
		}
		return &Response{ID: id, Result: raw}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Failure(id, NewInternalError(fmt.Sprintf("marshaling result: %v", err)))
	}
	return &Response{ID: id, Result: raw}
}

// Failure builds an error response.
func Failure(id int64, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

// frame holds every field any message kind may carry.
type frame struct {
	ID         *int64            `json:"id"`
	ProviderID *string           `json:"providerId"`
	Method     *string           `json:"method"`
	Params     []json.RawMessage `json:"params"`
	Target     string            `json:"target"`
	Result     json.RawMessage   `json:"result"`
	Error      *Error            `json:"error"`
	Event      *string           `json:"event"`
	Value      json.RawMessage   `json:"value"`
}

// Decode parses one frame and returns its variant. The discriminator is the
// set of fields present: "event" marks an Event, "providerId"/"method" a
// Request, and an "id" with neither a Response.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, NewProtocolError(fmt.Sprintf("malformed envelope: %v", err))
	}

	switch {
	case f.Event != nil:
		if f.ID != nil {
			return nil, NewProtocolError("event envelope must not carry an id")
		}
		return &Event{Event: *f.Event, Value: f.Value}, nil

	case f.ProviderID != nil || f.Method != nil:
		if f.ProviderID == nil || *f.ProviderID == "" {
			return nil, NewProtocolError("request is missing providerId")
		}
		if f.Method == nil || *f.Method == "" {
			return nil, NewProtocolError("request is missing method")
		}
		req := &Request{
			ProviderID: *f.ProviderID,
			Method:     *f.Method,
			Params:     f.Params,
			Target:     f.Target,
		}
		if f.ID != nil {
			if *f.ID < 0 {
				return nil, NewProtocolError("request id must not be negative")
			}
			req.ID = *f.ID
		}
		if req.Params == nil {
			req.Params = []json.RawMessage{}
		}
		return req, nil

	case f.ID != nil:
		return &Response{ID: *f.ID, Result: f.Result, Error: f.Error}, nil

	default:
		return nil, NewProtocolError("unrecognised envelope")
	}
}

// Encode marshals a message for the wire.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Request:
		if v.Params == nil {
			cp := *v
			cp.Params = []json.RawMessage{}
			return json.Marshal(&cp)
		}
		return json.Marshal(v)
	case *Response:
		return json.Marshal(v)
	case *Event:
		if v.Value == nil {
			cp := *v
			cp.Value = json.RawMessage("null")
			return json.Marshal(&cp)
		}
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("encoding envelope: unsupported message %T", m)
	}
}
