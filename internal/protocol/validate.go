package protocol

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeRegistryList:        true,
	TypeRegistryNew:         true,
	TypeSessionGet:          true,
	TypeSessionHistorySize:  true,
	TypeSessionHistoryEntry: true,
	TypeSessionRun:          true,
	TypeSessionSubmit:       true,
	TypeSessionSubscribe:    true,
	TypeSessionUnsubscribe:  true,
	TypeSessionTranscript:   true,
	TypeSessionClose:        true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error. When the envelope
// parsed, the returned Message is non-nil even on error so the caller can
// answer with the request id.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}

	if msg.Type == "" {
		return &msg, errors.New("missing 'type' field")
	}
	if !validClientTypes[msg.Type] {
		return &msg, errors.Newf("unknown message type: %s", msg.Type)
	}
	if msg.ID == "" {
		return &msg, errors.Newf("missing 'id' field in %s request", msg.Type)
	}

	// registry.* requests take no arguments.
	if msg.Type == TypeRegistryList || msg.Type == TypeRegistryNew {
		return &msg, nil
	}

	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		return &msg, errors.New("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionHistoryEntry:
		var p HistoryEntryPayload
		if err := decode(msg, &p); err != nil {
			return &msg, err
		}
		if err := requireSession(msg.Type, p.SessionID); err != nil {
			return &msg, err
		}
		// Range checks belong to the history, which answers OUT_OF_RANGE.

	case TypeSessionRun, TypeSessionSubmit:
		var p CommandPayload
		if err := decode(msg, &p); err != nil {
			return &msg, err
		}
		if err := requireSession(msg.Type, p.SessionID); err != nil {
			return &msg, err
		}

	case TypeSessionSubscribe, TypeSessionUnsubscribe:
		var p SubscriptionPayload
		if err := decode(msg, &p); err != nil {
			return &msg, err
		}
		if err := requireSession(msg.Type, p.SessionID); err != nil {
			return &msg, err
		}
		if p.SubscriptionID == "" {
			return &msg, errors.Newf("missing required field 'subscriptionId' in %s payload", msg.Type)
		}

	default:
		var p SessionIDPayload
		if err := decode(msg, &p); err != nil {
			return &msg, err
		}
		if err := requireSession(msg.Type, p.SessionID); err != nil {
			return &msg, err
		}
	}

	return &msg, nil
}

func decode(msg Message, into interface{}) error {
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		return errors.Wrapf(err, "invalid payload for %s", msg.Type)
	}
	return nil
}

func requireSession(msgType string, id uint64) error {
	if id == 0 {
		return errors.Newf("missing required field 'sessionId' in %s payload", msgType)
	}
	return nil
}
