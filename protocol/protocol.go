// Package protocol defines the event envelope and payloads exchanged
// between the hub and clients. Every websocket text frame carries exactly
// one envelope: {"event": "...", "data": {...}}.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Event types.
const (
	EventPresenceSnapshot = "presence:snapshot"
	EventPresenceUpdate   = "presence:update"
	EventMessageNew       = "message:new"
	EventMessageAck       = "message:ack"
	EventMessageRead      = "message:read"
	EventCallOffer        = "call:offer"
	EventCallAnswer       = "call:answer"
	EventCallCandidate    = "call:ice-candidate"
	EventCallEnd          = "call:end"
)

var ErrInvalidEvent = errors.New("invalid event envelope")

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a single wire frame for the given event and payload.
func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", event)
	}
	return json.Marshal(&Envelope{Event: event, Data: raw})
}

// Decode parses a wire frame. Unknown event types are left to the consumer
// to ignore; an empty event or malformed JSON is ErrInvalidEvent.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrInvalidEvent, err.Error())
	}
	if env.Event == "" {
		return nil, ErrInvalidEvent
	}
	return &env, nil
}

// Unmarshal decodes the envelope payload into v.
func (e *Envelope) Unmarshal(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.Wrapf(ErrInvalidEvent, "%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(ErrInvalidEvent, "%s: %s", e.Event, err)
	}
	return nil
}

// UserStatus is one entry of a presence snapshot or a single update.
type UserStatus struct {
	UserID   int64     `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

type PresenceSnapshot struct {
	Users []UserStatus `json:"users"`
}

// MessageData travels both directions: client submission and server
// delivery. Seq and SentAt are authoritative only once assigned by the
// server (see MessageAck).
type MessageData struct {
	ID         string    `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	SentAt     time.Time `json:"sent_at"`
	Seq        int64     `json:"seq,omitempty"`
}

// MessageAck confirms persistence of a submitted message and carries the
// server-assigned sequence and timestamp.
type MessageAck struct {
	ID     string    `json:"id"`
	Seq    int64     `json:"seq"`
	SentAt time.Time `json:"sent_at"`
}

// ReadReceipt marks every message from CounterpartID to ReaderID as read.
// Delivery to the counterpart is best-effort.
type ReadReceipt struct {
	ReaderID      int64 `json:"reader_id"`
	CounterpartID int64 `json:"counterpart_id"`
}

type CallOffer struct {
	SessionID string `json:"session_id"`
	CallerID  int64  `json:"caller_id"`
	TargetID  int64  `json:"target_id"`
	CallType  string `json:"call_type"`
	SDP       string `json:"sdp"`
}

type CallAnswer struct {
	SessionID   string `json:"session_id"`
	ResponderID int64  `json:"responder_id"`
	TargetID    int64  `json:"target_id"`
	SDP         string `json:"sdp"`
}

type ICECandidate struct {
	SessionID string `json:"session_id"`
	SenderID  int64  `json:"sender_id"`
	TargetID  int64  `json:"target_id"`
	Candidate string `json:"candidate"`
}

type CallEnd struct {
	SessionID string `json:"session_id"`
	SenderID  int64  `json:"sender_id"`
	TargetID  int64  `json:"target_id"`
	Reason    string `json:"reason"`
}
