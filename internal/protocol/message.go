package protocol

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Message is the envelope for all WebSocket messages. Requests and their
// responses share an ID; push notifications carry none.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest creates a client request with the given correlation id.
func NewRequest(msgType, id string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewResponse creates a successful response to request id.
func NewResponse(id string, result interface{}) (*Message, error) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, errors.Wrap(err, "marshal result")
		}
		raw = data
	}
	msg, err := NewMessage(TypeResponse, ResponsePayload{OK: true, Result: raw})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewErrorResponse creates a failed response to request id.
func NewErrorResponse(id, code, message string) (*Message, error) {
	msg, err := NewMessage(TypeResponse, ResponsePayload{
		Error: &ErrorPayload{Code: code, Message: message},
	})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// Server → Client message types.
const (
	TypeResponse      = "response"
	TypeSessionOutput = "session.output"
	TypeSessionClosed = "session.closed"
)

// Client → Server message types.
const (
	TypeRegistryList        = "registry.list"
	TypeRegistryNew         = "registry.new"
	TypeSessionGet          = "session.get"
	TypeSessionHistorySize  = "session.history.size"
	TypeSessionHistoryEntry = "session.history.entry"
	TypeSessionRun          = "session.run"
	TypeSessionSubmit       = "session.submit"
	TypeSessionSubscribe    = "session.subscribe"
	TypeSessionUnsubscribe  = "session.unsubscribe"
	TypeSessionTranscript   = "session.transcript"
	TypeSessionClose        = "session.close"
)

// Error codes.
const (
	ErrNotFound        = "NOT_FOUND"
	ErrOutOfRange      = "OUT_OF_RANGE"
	ErrClosed          = "CLOSED"
	ErrRegistryClosed  = "REGISTRY_CLOSED"
	ErrTooManySessions = "TOO_MANY_SESSIONS"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrInternal        = "INTERNAL"
)

// ResponsePayload is the payload of every response.
type ResponsePayload struct {
	OK     bool            `json:"ok"`
	Error  *ErrorPayload   `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server → Client payloads.

type SessionOutputPayload struct {
	SessionID      uint64 `json:"sessionId"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Seq            int64  `json:"seq"`
	Text           string `json:"text"`
	Final          bool   `json:"final"`
}

// SessionClosedPayload ends a subscription. When a command closed its own
// session, its final output rides along.
type SessionClosedPayload struct {
	SessionID      uint64 `json:"sessionId"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	Text           string `json:"text,omitempty"`
	Final          bool   `json:"final,omitempty"`
}

// Client → Server payloads.

type SessionIDPayload struct {
	SessionID uint64 `json:"sessionId"`
}

type HistoryEntryPayload struct {
	SessionID uint64 `json:"sessionId"`
	Index     int    `json:"index"`
}

type CommandPayload struct {
	SessionID uint64 `json:"sessionId"`
	Text      string `json:"text"`
}

// SubscriptionPayload names a subscription. The id is chosen by the client
// and must be unique on its connection; pushes for it carry the same id.
type SubscriptionPayload struct {
	SessionID      uint64 `json:"sessionId"`
	SubscriptionID string `json:"subscriptionId"`
}

// Results.

type SessionInfo struct {
	ID          uint64 `json:"id"`
	HistorySize int    `json:"historySize"`
	LastSeq     int64  `json:"lastSeq"`
}

type ListResult struct {
	Sessions []uint64 `json:"sessions"`
}

type HistorySizeResult struct {
	Size int `json:"size"`
}

type HistoryEntryResult struct {
	Entry string `json:"entry"`
}

type RunResult struct {
	Output string `json:"output"`
}

type SubmitResult struct {
	Seq int64 `json:"seq"`
}

type TranscriptResult struct {
	Entries []SessionOutputPayload `json:"entries"`
}
