package models

import "time"

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Message types.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageSystem = "system"
)

// Client-side delivery states of a message.
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryFailed    = "failed"
	DeliveryDelivered = "delivered"
)

// User is a directory entry. Owned by the server; the client core never
// mutates one except for its presence status.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	Status       string    `json:"status"`
	ProfileImage string    `json:"profile_image,omitempty"`
	LastOnline   time.Time `json:"last_online"`
	LastOffline  time.Time `json:"last_offline"`
}

// Message ID is generated by the sending client and doubles as the
// idempotency key: retries and redeliveries carry the same ID. Seq is
// assigned by the server and breaks ties between equal SentAt values.
// A message is immutable once created except for Read (false to true
// only) and Delivery.
type Message struct {
	ID         string    `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	SentAt     time.Time `json:"sent_at"`
	Seq        int64     `json:"seq"`
	Read       bool      `json:"read"`
	Delivery   string    `json:"delivery,omitempty"`
}

// Conversation is the per-counterpart summary row: one entry per partner,
// created lazily on the first message and never deleted during a session.
type Conversation struct {
	PartnerID       int64     `json:"partner_id"`
	LastMessage     string    `json:"last_message"`
	LastMessageType string    `json:"last_message_type"`
	LastActivity    time.Time `json:"last_activity"`
	Unread          int       `json:"unread"`
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallState is the lifecycle state of the single local call session.
type CallState int

const (
	CallIdle CallState = iota
	CallRingingOut
	CallRingingIn
	CallActive
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRingingOut:
		return "ringing-out"
	case CallRingingIn:
		return "ringing-in"
	case CallActive:
		return "active"
	}
	return "unknown"
}

// Reasons carried by a call:end event.
const (
	EndHangup       = "hangup"
	EndRejected     = "rejected"
	EndBusy         = "busy"
	EndTimeout      = "timeout"
	EndFailed       = "failed"
	EndDisconnected = "disconnected"
)
