package client

import (
	"strings"
	"sync"
	"testing"
	"time"

	"obscomm/models"
	"obscomm/protocol"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeSender records outgoing events and can be told to fail.
type fakeSender struct {
	mu     sync.Mutex
	events []sentEvent
	fail   bool
	failOn string
}

type sentEvent struct {
	event string
	data  interface{}
}

func (f *fakeSender) send(event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || (f.failOn != "" && event == f.failOn) {
		return errors.New("wire down")
	}
	f.events = append(f.events, sentEvent{event: event, data: data})
	return nil
}

func (f *fakeSender) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

const selfID = int64(1)

func newTestStore() (*Store, *fakeSender) {
	sender := &fakeSender{}
	return newStore(selfID, sender.send), sender
}

func TestSendMessageOptimistic(t *testing.T) {
	st, sender := newTestStore()

	msg, err := st.SendMessage(2, "hello", models.MessageText)
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, models.DeliveryPending, msg.Delivery)
	require.Equal(t, 1, sender.count(protocol.EventMessageNew))

	// The optimistic copy is already in the conversation.
	list := st.Messages(2)
	require.Len(t, list, 1)
	require.Equal(t, "hello", list[0].Content)

	// Own messages never count as unread.
	require.Zero(t, st.Unread(2))

	st.Ack(protocol.MessageAck{ID: msg.ID, Seq: 7, SentAt: msg.SentAt})
	list = st.Messages(2)
	require.Equal(t, models.DeliverySent, list[0].Delivery)
	require.Equal(t, int64(7), list[0].Seq)
}

func TestSendFailureAndRetry(t *testing.T) {
	st, sender := newTestStore()
	sender.setFail(true)

	msg, err := st.SendMessage(2, "hello", models.MessageText)
	require.True(t, errors.Is(err, ErrSendFailure))

	// Never silently dropped: the message stays, marked failed.
	list := st.Messages(2)
	require.Len(t, list, 1)
	require.Equal(t, models.DeliveryFailed, list[0].Delivery)

	sender.setFail(false)
	require.NoError(t, st.Retry(msg.ID))

	list = st.Messages(2)
	require.Len(t, list, 1)
	require.Equal(t, models.DeliveryPending, list[0].Delivery)

	// Retrying a non-failed message is refused.
	require.Error(t, st.Retry(msg.ID))
}

func TestReceiveDedupesOwnEcho(t *testing.T) {
	st, _ := newTestStore()

	msg, err := st.SendMessage(2, "hello", models.MessageText)
	require.NoError(t, err)

	// The hub may deliver our own message back after a reconnect.
	st.Receive(protocol.MessageData{
		ID:         msg.ID,
		SenderID:   selfID,
		ReceiverID: 2,
		Content:    "hello",
		Type:       models.MessageText,
		SentAt:     msg.SentAt,
		Seq:        3,
	})

	list := st.Messages(2)
	require.Len(t, list, 1)
	require.Equal(t, int64(3), list[0].Seq)
	require.Zero(t, st.Unread(2))
}

func TestUnreadCounterInvariant(t *testing.T) {
	st, sender := newTestStore()
	base := time.Now().UTC()

	checkInvariant := func() {
		t.Helper()
		unreadMsgs := 0
		for _, m := range st.Messages(2) {
			if m.SenderID == 2 && !m.Read {
				unreadMsgs++
			}
		}
		require.Equal(t, unreadMsgs, st.Unread(2))
	}

	for i := 0; i < 3; i++ {
		st.Receive(protocol.MessageData{
			ID:       string(rune('a' + i)),
			SenderID: 2, ReceiverID: selfID,
			Content: "m", Type: models.MessageText,
			SentAt: base.Add(time.Duration(i) * time.Second), Seq: int64(i + 1),
		})
		checkInvariant()
	}
	require.Equal(t, 3, st.Unread(2))

	st.MarkAllRead(2)
	require.Zero(t, st.Unread(2))
	checkInvariant()
	require.Equal(t, 1, sender.count(protocol.EventMessageRead))

	// Marking again is a no-op and emits nothing.
	st.MarkAllRead(2)
	require.Equal(t, 1, sender.count(protocol.EventMessageRead))

	st.Receive(protocol.MessageData{
		ID: "d", SenderID: 2, ReceiverID: selfID,
		Content: "late", Type: models.MessageText,
		SentAt: base.Add(time.Minute), Seq: 9,
	})
	require.Equal(t, 1, st.Unread(2))
	checkInvariant()
}

func TestActiveConversationStaysRead(t *testing.T) {
	st, sender := newTestStore()
	st.SetActive(2)

	st.Receive(protocol.MessageData{
		ID: "m1", SenderID: 2, ReceiverID: selfID,
		Content: "hi", Type: models.MessageText,
		SentAt: time.Now().UTC(), Seq: 1,
	})

	require.Zero(t, st.Unread(2))
	require.True(t, st.Messages(2)[0].Read)
	// The counterpart still learns we saw it.
	require.Equal(t, 1, sender.count(protocol.EventMessageRead))
}

func TestOrderingByTimestampAndSeq(t *testing.T) {
	st, _ := newTestStore()
	ts := time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC)

	// Same millisecond, delivered out of order: seq breaks the tie.
	st.Receive(protocol.MessageData{
		ID: "second", SenderID: 2, ReceiverID: selfID,
		Content: "second", Type: models.MessageText, SentAt: ts, Seq: 2,
	})
	st.Receive(protocol.MessageData{
		ID: "first", SenderID: 2, ReceiverID: selfID,
		Content: "first", Type: models.MessageText, SentAt: ts, Seq: 1,
	})
	st.Receive(protocol.MessageData{
		ID: "earlier", SenderID: 2, ReceiverID: selfID,
		Content: "earlier", Type: models.MessageText, SentAt: ts.Add(-time.Second), Seq: 3,
	})

	list := st.Messages(2)
	require.Equal(t, []string{"earlier", "first", "second"},
		[]string{list[0].Content, list[1].Content, list[2].Content})
}

func TestConversationRecencyAndPreview(t *testing.T) {
	st, _ := newTestStore()
	base := time.Now().UTC()

	st.Receive(protocol.MessageData{
		ID: "m1", SenderID: 2, ReceiverID: selfID,
		Content: "older", Type: models.MessageText, SentAt: base, Seq: 1,
	})
	long := strings.Repeat("x", 200)
	st.Receive(protocol.MessageData{
		ID: "m2", SenderID: 3, ReceiverID: selfID,
		Content: long, Type: models.MessageText, SentAt: base.Add(time.Second), Seq: 2,
	})

	convs := st.Conversations()
	require.Len(t, convs, 2)
	require.Equal(t, int64(3), convs[0].PartnerID)
	require.Equal(t, int64(2), convs[1].PartnerID)

	require.LessOrEqual(t, len(convs[0].LastMessage), previewLength)
	require.True(t, strings.HasSuffix(convs[0].LastMessage, "..."))
	require.Equal(t, "older", convs[1].LastMessage)
}

func TestApplyReadReceipt(t *testing.T) {
	st, _ := newTestStore()

	_, err := st.SendMessage(2, "hello", models.MessageText)
	require.NoError(t, err)
	require.False(t, st.Messages(2)[0].Read)

	st.ApplyReadReceipt(protocol.ReadReceipt{ReaderID: 2, CounterpartID: selfID})
	require.True(t, st.Messages(2)[0].Read)

	// Receipts about other people are ignored.
	st.ApplyReadReceipt(protocol.ReadReceipt{ReaderID: 5, CounterpartID: 6})
}
