// Package frames defines the boundary protocol between the gateway and its
// clients: newline- or WebSocket-framed JSON objects of shape
// {type, payload, requestId?}.
package frames

import "encoding/json"

// Client-to-server frame types.
const (
	TypeThreadStart     = "thread/start"
	TypeThreadResume    = "thread/resume"
	TypeTurnStart       = "turn/start"
	TypeTurnInterrupt   = "turn/interrupt"
	TypeApprovalRespond = "approval/respond"
)

// Server-to-client frame types.
const (
	TypeResponse        = "response"
	TypeEvent           = "event"
	TypeApprovalRequest = "approval/request"
	TypeError           = "error"
	TypeIRUpdate        = "ir/update"
)

// Frame is the boundary envelope. RequestID correlates a response with the
// client frame that caused it; push frames leave it empty.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// New builds a frame, marshaling payload.
func New(frameType string, payload any, requestID string) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Frame{Type: frameType, Payload: data, RequestID: requestID}, nil
}

// NewResponse builds a response frame correlated to a client request.
func NewResponse(payload any, requestID string) (*Frame, error) {
	return New(TypeResponse, payload, requestID)
}

// NewEvent builds an event frame forwarding an agent notification.
func NewEvent(payload any) (*Frame, error) {
	return New(TypeEvent, payload, "")
}

// NewApprovalRequest builds an approval prompt frame.
func NewApprovalRequest(payload any) (*Frame, error) {
	return New(TypeApprovalRequest, payload, "")
}

// NewIRUpdate builds a run-view snapshot frame.
func NewIRUpdate(payload any) (*Frame, error) {
	return New(TypeIRUpdate, payload, "")
}

// NewError builds an error frame, correlated when requestID is non-empty.
func NewError(message, details, requestID string) *Frame {
	data, _ := json.Marshal(&ErrorPayload{Message: message, Details: details})
	return &Frame{Type: TypeError, Payload: data, RequestID: requestID}
}

// IsClientVerb reports whether a frame type is a recognized client-to-server
// verb.
func IsClientVerb(frameType string) bool {
	switch frameType {
	case TypeThreadStart, TypeThreadResume, TypeTurnStart, TypeTurnInterrupt, TypeApprovalRespond:
		return true
	}
	return false
}

// ThreadStartPayload is the payload of a thread/start frame.
type ThreadStartPayload struct {
	Model          string `json:"model,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// ThreadResumePayload is the payload of a thread/resume frame.
type ThreadResumePayload struct {
	ThreadID string `json:"threadId"`
}

// TurnStartPayload is the payload of a turn/start frame.
type TurnStartPayload struct {
	ThreadID string      `json:"threadId"`
	Input    []InputItem `json:"input"`
}

// InputItem is one element of turn input.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnInterruptPayload is the payload of a turn/interrupt frame.
type TurnInterruptPayload struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// ApprovalRespondPayload is the payload of an approval/respond frame.
type ApprovalRespondPayload struct {
	ApprovalID     string          `json:"approvalId"`
	Decision       string          `json:"decision"`
	AcceptSettings json.RawMessage `json:"acceptSettings,omitempty"`
}

// ConnectedPayload is the payload of the session handshake response.
type ConnectedPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}
