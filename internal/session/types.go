package session

import "time"

// Notification is one unit of session output delivered to subscribers.
//
// Every fragment produced while evaluating a command carries that command's
// sequence number. An asynchronous submission ends with exactly one Final
// notification holding the rendered result or evaluation error. Closed marks
// the terminal notification sent when the session shuts down.
type Notification struct {
	SessionID uint64    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Text      string    `json:"text"`
	Final     bool      `json:"final,omitempty"`
	Closed    bool      `json:"closed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Info is a point-in-time description of a session.
type Info struct {
	ID          uint64 `json:"id"`
	HistorySize int    `json:"historySize"`
	LastSeq     int64  `json:"lastSeq"`
}
