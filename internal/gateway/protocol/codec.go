package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a frame that could not be decoded. ID holds the request id
// when one could still be recovered from the payload.
type DecodeError struct {
	ID     string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("invalid frame %q: %s", e.ID, e.Reason)
	}
	return "invalid frame: " + e.Reason
}

// envelope holds the fields common to all frames; pointers distinguish
// missing fields from zero values.
type envelope struct {
	Type   *string         `json:"type"`
	ID     *string         `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`

	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrorShape     `json:"error"`

	Event        *string       `json:"event"`
	Seq          int64         `json:"seq"`
	StateVersion *StateVersion `json:"stateVersion"`
}

// Encode serializes a frame, filling in its type discriminant.
func Encode(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case *RequestFrame:
		fr.Type = FrameTypeRequest
	case *ResponseFrame:
		fr.Type = FrameTypeResponse
		if fr.OK == (fr.Error != nil) {
			return nil, fmt.Errorf("response %q: ok=%v does not match error presence", fr.ID, fr.OK)
		}
	case *EventFrame:
		fr.Type = FrameTypeEvent
	case nil:
		return nil, fmt.Errorf("nil frame")
	default:
		return nil, fmt.Errorf("unsupported frame %T", f)
	}
	return json.Marshal(f)
}

// Decode parses one frame. It never panics; malformed input yields a *DecodeError.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{ID: recoverID(data), Reason: "malformed json"}
	}

	id := ""
	if env.ID != nil {
		id = *env.ID
	}

	if env.Type == nil {
		return nil, &DecodeError{ID: id, Reason: "missing type"}
	}

	switch *env.Type {
	case FrameTypeRequest:
		if id == "" {
			return nil, &DecodeError{Reason: "missing id"}
		}
		if env.Method == nil || *env.Method == "" {
			return nil, &DecodeError{ID: id, Reason: "missing method"}
		}
		return &RequestFrame{
			Type:   FrameTypeRequest,
			ID:     id,
			Method: *env.Method,
			Params: nullToEmpty(env.Params),
		}, nil

	case FrameTypeResponse:
		if id == "" {
			return nil, &DecodeError{Reason: "missing id"}
		}
		if env.OK == nil {
			return nil, &DecodeError{ID: id, Reason: "missing ok"}
		}
		if !*env.OK && env.Error == nil {
			return nil, &DecodeError{ID: id, Reason: "failed response without error"}
		}
		res := &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: *env.OK, Error: env.Error}
		if p := nullToEmpty(env.Payload); p != nil {
			res.Payload = p
		}
		return res, nil

	case FrameTypeEvent:
		if env.Event == nil || *env.Event == "" {
			return nil, &DecodeError{Reason: "missing event"}
		}
		ev := &EventFrame{
			Type:         FrameTypeEvent,
			Event:        *env.Event,
			Seq:          env.Seq,
			StateVersion: env.StateVersion,
		}
		if p := nullToEmpty(env.Payload); p != nil {
			ev.Payload = p
		}
		return ev, nil

	default:
		return nil, &DecodeError{ID: id, Reason: fmt.Sprintf("unknown frame type %q", *env.Type)}
	}
}

// recoverID makes a best-effort attempt to pull a string id out of a frame whose
// full shape did not parse (e.g. a field with the wrong type).
func recoverID(data []byte) string {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	var id string
	if raw, ok := probe["id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	return id
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
