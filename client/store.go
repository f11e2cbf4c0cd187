package client

import (
	"sort"
	"sync"
	"time"

	"obscomm/models"
	"obscomm/protocol"

	"github.com/aquilax/truncate"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const previewLength = 80

// Store holds the per-counterpart conversations and their message lists.
// Messages are ordered by (SentAt, Seq) and deduplicated by id, so a late
// echo of an optimistically appended message updates in place instead of
// duplicating. All mutations are serialized by one mutex; handlers may
// fire while a send is pending without reordering entries.
type Store struct {
	selfID int64
	send   func(event string, data interface{}) error

	mu            sync.Mutex
	conversations map[int64]*models.Conversation
	messages      map[int64][]*models.Message
	byID          map[string]*models.Message
	active        int64

	onUpdate func(partnerID int64)
}

func newStore(selfID int64, send func(event string, data interface{}) error) *Store {
	return &Store{
		selfID:        selfID,
		send:          send,
		conversations: make(map[int64]*models.Conversation),
		messages:      make(map[int64][]*models.Message),
		byID:          make(map[string]*models.Message),
	}
}

// OnUpdate registers a single observer invoked with the affected partner
// id after every store mutation.
func (st *Store) OnUpdate(f func(partnerID int64)) {
	st.mu.Lock()
	st.onUpdate = f
	st.mu.Unlock()
}

// SendMessage appends the message optimistically as pending and transmits
// it. On transport failure the message stays in place marked failed and
// ErrSendFailure is returned; Retry resends under the same id, which the
// hub deduplicates.
func (st *Store) SendMessage(partnerID int64, content, msgType string) (models.Message, error) {
	if msgType == "" {
		msgType = models.MessageText
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   st.selfID,
		ReceiverID: partnerID,
		Content:    content,
		Type:       msgType,
		SentAt:     time.Now().UTC(),
		Delivery:   models.DeliveryPending,
	}

	st.mu.Lock()
	st.insert(partnerID, msg)
	st.touchConversation(partnerID, msg, false)
	st.mu.Unlock()
	st.notify(partnerID)

	if err := st.transmit(msg); err != nil {
		return st.snapshot(msg.ID), err
	}
	return st.snapshot(msg.ID), nil
}

// Retry resends a previously failed message with its original id.
func (st *Store) Retry(messageID string) error {
	st.mu.Lock()
	msg, ok := st.byID[messageID]
	if !ok {
		st.mu.Unlock()
		return errors.Errorf("unknown message %s", messageID)
	}
	if msg.Delivery != models.DeliveryFailed {
		st.mu.Unlock()
		return errors.Errorf("message %s is not failed", messageID)
	}
	msg.Delivery = models.DeliveryPending
	st.mu.Unlock()
	st.notify(partnerOf(msg, st.selfID))

	return st.transmit(msg)
}

func (st *Store) transmit(msg *models.Message) error {
	err := st.send(protocol.EventMessageNew, &protocol.MessageData{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Type:       msg.Type,
		SentAt:     msg.SentAt,
	})
	if err == nil {
		return nil
	}

	st.mu.Lock()
	if m, ok := st.byID[msg.ID]; ok && m.Delivery == models.DeliveryPending {
		m.Delivery = models.DeliveryFailed
	}
	st.mu.Unlock()
	st.notify(partnerOf(msg, st.selfID))

	return errors.Wrap(ErrSendFailure, err.Error())
}

// Ack adopts the server-assigned sequence and timestamp for a pending
// message.
func (st *Store) Ack(ack protocol.MessageAck) {
	st.mu.Lock()
	msg, ok := st.byID[ack.ID]
	if !ok {
		st.mu.Unlock()
		return
	}
	msg.Seq = ack.Seq
	msg.SentAt = ack.SentAt
	if msg.Delivery == models.DeliveryPending || msg.Delivery == models.DeliveryFailed {
		msg.Delivery = models.DeliverySent
	}
	partnerID := partnerOf(msg, st.selfID)
	st.resort(partnerID)
	st.mu.Unlock()
	st.notify(partnerID)
}

// Receive applies a delivered message. Deduplicated by id; the unread
// counter grows only for counterpart messages in an inactive
// conversation.
func (st *Store) Receive(data protocol.MessageData) {
	st.mu.Lock()

	if existing, ok := st.byID[data.ID]; ok {
		// Redelivery or echo of our own optimistic append.
		existing.Seq = data.Seq
		existing.SentAt = data.SentAt
		if existing.Delivery != models.DeliveryDelivered && existing.SenderID == st.selfID {
			existing.Delivery = models.DeliverySent
		}
		partnerID := partnerOf(existing, st.selfID)
		st.resort(partnerID)
		st.mu.Unlock()
		st.notify(partnerID)
		return
	}

	msg := &models.Message{
		ID:         data.ID,
		SenderID:   data.SenderID,
		ReceiverID: data.ReceiverID,
		Content:    data.Content,
		Type:       data.Type,
		SentAt:     data.SentAt,
		Seq:        data.Seq,
		Delivery:   models.DeliveryDelivered,
	}
	partnerID := partnerOf(msg, st.selfID)

	fromCounterpart := msg.SenderID != st.selfID
	readImmediately := fromCounterpart && partnerID == st.active
	if readImmediately {
		msg.Read = true
	}

	st.insert(partnerID, msg)
	st.touchConversation(partnerID, msg, fromCounterpart && !readImmediately)
	st.mu.Unlock()
	st.notify(partnerID)

	if readImmediately {
		st.sendReadReceipt(partnerID)
	}
}

// MarkAllRead flips every unread message from the counterpart to read,
// zeroes the unread counter and emits one best-effort read receipt.
func (st *Store) MarkAllRead(partnerID int64) {
	st.mu.Lock()
	changed := false
	for _, msg := range st.messages[partnerID] {
		if msg.SenderID == partnerID && !msg.Read {
			msg.Read = true
			changed = true
		}
	}
	if conv, ok := st.conversations[partnerID]; ok && conv.Unread != 0 {
		conv.Unread = 0
		changed = true
	}
	st.mu.Unlock()

	if !changed {
		return
	}
	st.notify(partnerID)
	st.sendReadReceipt(partnerID)
}

// SetActive marks a conversation as the one currently open; its incoming
// messages no longer count as unread. Zero deactivates.
func (st *Store) SetActive(partnerID int64) {
	st.mu.Lock()
	st.active = partnerID
	st.mu.Unlock()

	if partnerID != 0 {
		st.MarkAllRead(partnerID)
	}
}

// ApplyReadReceipt marks our own messages to the reader as read.
func (st *Store) ApplyReadReceipt(r protocol.ReadReceipt) {
	if r.CounterpartID != st.selfID {
		return
	}

	st.mu.Lock()
	changed := false
	for _, msg := range st.messages[r.ReaderID] {
		if msg.SenderID == st.selfID && !msg.Read {
			msg.Read = true
			changed = true
		}
	}
	st.mu.Unlock()

	if changed {
		st.notify(r.ReaderID)
	}
}

// Conversations returns all conversations ordered by recency.
func (st *Store) Conversations() []models.Conversation {
	st.mu.Lock()
	convs := make([]models.Conversation, 0, len(st.conversations))
	for _, c := range st.conversations {
		convs = append(convs, *c)
	}
	st.mu.Unlock()

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})
	return convs
}

// Messages returns an ordered copy of one conversation.
func (st *Store) Messages(partnerID int64) []models.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	list := st.messages[partnerID]
	out := make([]models.Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}

// Unread returns the unread counter for one conversation.
func (st *Store) Unread(partnerID int64) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if conv, ok := st.conversations[partnerID]; ok {
		return conv.Unread
	}
	return 0
}

func (st *Store) sendReadReceipt(partnerID int64) {
	err := st.send(protocol.EventMessageRead, &protocol.ReadReceipt{
		ReaderID:      st.selfID,
		CounterpartID: partnerID,
	})
	if err != nil {
		// Best-effort by contract.
		jww.DEBUG.Printf("read receipt for %d not delivered: %v", partnerID, err)
	}
}

// insert must run under st.mu.
func (st *Store) insert(partnerID int64, msg *models.Message) {
	st.byID[msg.ID] = msg
	st.messages[partnerID] = append(st.messages[partnerID], msg)
	st.resort(partnerID)
}

// resort must run under st.mu. Stable, so unacked messages with equal
// timestamps keep their send order.
func (st *Store) resort(partnerID int64) {
	list := st.messages[partnerID]
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].SentAt.Equal(list[j].SentAt) {
			return list[i].SentAt.Before(list[j].SentAt)
		}
		if list[i].Seq != 0 && list[j].Seq != 0 {
			return list[i].Seq < list[j].Seq
		}
		return false
	})
}

// touchConversation must run under st.mu.
func (st *Store) touchConversation(partnerID int64, msg *models.Message, countUnread bool) {
	conv, ok := st.conversations[partnerID]
	if !ok {
		conv = &models.Conversation{PartnerID: partnerID}
		st.conversations[partnerID] = conv
	}

	if !msg.SentAt.Before(conv.LastActivity) {
		conv.LastMessage = truncate.Truncate(msg.Content, previewLength, "...", truncate.PositionEnd)
		conv.LastMessageType = msg.Type
		conv.LastActivity = msg.SentAt
	}
	if countUnread {
		conv.Unread++
	}
}

func (st *Store) snapshot(messageID string) models.Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	if msg, ok := st.byID[messageID]; ok {
		return *msg
	}
	return models.Message{}
}

func (st *Store) notify(partnerID int64) {
	st.mu.Lock()
	f := st.onUpdate
	st.mu.Unlock()
	if f != nil {
		f(partnerID)
	}
}

func partnerOf(msg *models.Message, selfID int64) int64 {
	if msg.SenderID == selfID {
		return msg.ReceiverID
	}
	return msg.SenderID
}
