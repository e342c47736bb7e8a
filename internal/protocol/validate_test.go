package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func request(t *testing.T, msgType, id string, payload interface{}) []byte {
	t.Helper()
	msg := map[string]interface{}{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if id != "" {
		msg["id"] = id
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestNewMessage(t *testing.T) {
	payload := SessionOutputPayload{SessionID: 3, Seq: 7, Text: "2\n", Final: true}

	msg, err := NewMessage(TypeSessionOutput, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if msg.Type != TypeSessionOutput {
		t.Errorf("expected type %s, got %s", TypeSessionOutput, msg.Type)
	}
	if msg.ID != "" {
		t.Errorf("push messages carry no id, got %q", msg.ID)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p SessionOutputPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p != payload {
		t.Errorf("expected %+v, got %+v", payload, p)
	}
}

func TestNewResponse(t *testing.T) {
	msg, err := NewResponse("req-1", SubmitResult{Seq: 4})
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}
	if msg.Type != TypeResponse || msg.ID != "req-1" {
		t.Fatalf("unexpected envelope %s/%s", msg.Type, msg.ID)
	}

	var p ResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !p.OK || p.Error != nil {
		t.Fatalf("expected ok response, got %+v", p)
	}
	var r SubmitResult
	if err := json.Unmarshal(p.Result, &r); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if r.Seq != 4 {
		t.Errorf("expected seq 4, got %d", r.Seq)
	}
}

func TestNewResponse_NilResult(t *testing.T) {
	msg, err := NewResponse("req-2", nil)
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}
	var p ResponsePayload
	json.Unmarshal(msg.Payload, &p)
	if !p.OK || len(p.Result) != 0 {
		t.Errorf("expected ok response without result, got %+v", p)
	}
}

func TestNewErrorResponse(t *testing.T) {
	msg, err := NewErrorResponse("req-3", ErrNotFound, "session 9 not found")
	if err != nil {
		t.Fatalf("NewErrorResponse failed: %v", err)
	}
	if msg.ID != "req-3" {
		t.Errorf("expected id req-3, got %s", msg.ID)
	}

	var p ResponsePayload
	json.Unmarshal(msg.Payload, &p)
	if p.OK {
		t.Fatal("expected ok=false")
	}
	if p.Error == nil || p.Error.Code != ErrNotFound {
		t.Errorf("expected code %s, got %+v", ErrNotFound, p.Error)
	}
}

func TestValidateClientMessage_Valid(t *testing.T) {
	cases := []struct {
		msgType string
		payload interface{}
	}{
		{TypeRegistryList, map[string]interface{}{}},
		{TypeRegistryNew, nil},
		{TypeSessionGet, map[string]interface{}{"sessionId": 1}},
		{TypeSessionHistorySize, map[string]interface{}{"sessionId": 1}},
		{TypeSessionHistoryEntry, map[string]interface{}{"sessionId": 1, "index": 0}},
		{TypeSessionHistoryEntry, map[string]interface{}{"sessionId": 1, "index": -1}},
		{TypeSessionRun, map[string]interface{}{"sessionId": 1, "text": "1+1"}},
		{TypeSessionSubmit, map[string]interface{}{"sessionId": 1, "text": ""}},
		{TypeSessionSubscribe, map[string]interface{}{"sessionId": 1, "subscriptionId": "abc"}},
		{TypeSessionUnsubscribe, map[string]interface{}{"sessionId": 1, "subscriptionId": "abc"}},
		{TypeSessionTranscript, map[string]interface{}{"sessionId": 1}},
		{TypeSessionClose, map[string]interface{}{"sessionId": 1}},
	}

	for _, tc := range cases {
		t.Run(tc.msgType, func(t *testing.T) {
			msg, err := ValidateClientMessage(request(t, tc.msgType, "req", tc.payload))
			if err != nil {
				t.Fatalf("expected valid message, got error: %v", err)
			}
			if msg.Type != tc.msgType || msg.ID != "req" {
				t.Errorf("unexpected envelope %s/%s", msg.Type, msg.ID)
			}
		})
	}
}

func TestValidateClientMessage_InvalidJSON(t *testing.T) {
	msg, err := ValidateClientMessage([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if msg != nil {
		t.Error("expected no message for unparseable input")
	}
}

func TestValidateClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		msgType string
		id      string
		payload interface{}
	}{
		{"missing type", "", "req", map[string]interface{}{}},
		{"unknown type", "unknown.action", "req", map[string]interface{}{}},
		{"missing id", TypeSessionGet, "", map[string]interface{}{"sessionId": 1}},
		{"missing payload", TypeSessionGet, "req", nil},
		{"missing session", TypeSessionSubmit, "req", map[string]interface{}{"text": "1"}},
		{"wrong session type", TypeSessionGet, "req", map[string]interface{}{"sessionId": "abc"}},
		{"missing subscription", TypeSessionUnsubscribe, "req", map[string]interface{}{"sessionId": 1}},
		{"subscribe without id", TypeSessionSubscribe, "req", map[string]interface{}{"sessionId": 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateClientMessage(request(t, tc.msgType, tc.id, tc.payload))
			if err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestValidateClientMessage_ErrorKeepsID(t *testing.T) {
	msg, err := ValidateClientMessage(request(t, TypeSessionRun, "req-9", map[string]interface{}{"text": "x"}))
	if err == nil {
		t.Fatal("expected error for missing sessionId")
	}
	if msg == nil || msg.ID != "req-9" {
		t.Fatalf("expected parsed envelope with id req-9, got %+v", msg)
	}
}
