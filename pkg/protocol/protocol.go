// Package protocol defines the frames exchanged between realtime clients and the gateway.
//
// Clients send invoke frames and receive a result frame with the same id.
// The server pushes event frames named by an EventKind.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the shape of a Frame
type FrameType string

const (
	FrameInvoke FrameType = "invoke"
	FrameResult FrameType = "result"
	FrameEvent  FrameType = "event"
)

// Frame is the single envelope on the wire. Fields are populated per FrameType.
type Frame struct {
	Type FrameType `json:"type"`

	// invoke / result
	ID     string            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *FrameError       `json:"error,omitempty"`

	// event
	Event EventKind       `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// FrameError is the error half of a result frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Invocable method names served by the gateway
const (
	MethodInitiateCall      = "InitiateCall"
	MethodAnswerCall        = "AnswerCall"
	MethodRejectCall        = "RejectCall"
	MethodEndCall           = "EndCall"
	MethodJoinGroupCall     = "JoinGroupCall"
	MethodLeaveGroupCall    = "LeaveGroupCall"
	MethodSendCallOffer     = "SendCallOffer"
	MethodSendCallAnswer    = "SendCallAnswer"
	MethodSendIceCandidate  = "SendIceCandidate"
	MethodUpdateMediaState  = "UpdateMediaState"
	MethodJoinConversation  = "JoinConversation"
	MethodLeaveConversation = "LeaveConversation"
)

// EncodeEvent builds an event frame for kind carrying payload.
func EncodeEvent(kind EventKind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Frame{Type: FrameEvent, Event: kind, Data: data})
}

// EncodeRawEvent builds an event frame around an already-encoded payload.
func EncodeRawEvent(kind EventKind, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{Type: FrameEvent, Event: kind, Data: data})
}

// NewInvoke builds an invoke frame, encoding each argument as JSON.
func NewInvoke(id, method string, args ...any) (*Frame, error) {
	frame := &Frame{Type: FrameInvoke, ID: id, Method: method}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal argument %d of %s: %w", i, method, err)
		}
		frame.Args = append(frame.Args, raw)
	}
	return frame, nil
}

// NewResult builds the result frame answering invocation id.
func NewResult(id string, result any, ferr *FrameError) ([]byte, error) {
	frame := Frame{Type: FrameResult, ID: id, Error: ferr}
	if ferr == nil && result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result of %s: %w", id, err)
		}
		frame.Result = raw
	}
	return json.Marshal(frame)
}

// Decode parses one frame.
func Decode(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	switch frame.Type {
	case FrameInvoke, FrameResult, FrameEvent:
	default:
		return nil, fmt.Errorf("invalid frame type %q", frame.Type)
	}
	return &frame, nil
}
