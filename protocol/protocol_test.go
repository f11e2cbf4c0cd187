package protocol

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	sentAt := time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC)
	frame, err := Encode(EventMessageNew, &MessageData{
		ID:         "m-1",
		SenderID:   1,
		ReceiverID: 2,
		Content:    "hello",
		Type:       "text",
		SentAt:     sentAt,
	})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, EventMessageNew, env.Event)

	var data MessageData
	require.NoError(t, env.Unmarshal(&data))
	require.Equal(t, "m-1", data.ID)
	require.Equal(t, int64(2), data.ReceiverID)
	require.Equal(t, "hello", data.Content)
	require.True(t, data.SentAt.Equal(sentAt))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.True(t, errors.Is(err, ErrInvalidEvent))

	_, err = Decode([]byte(`{"data":{}}`))
	require.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestDecodeUnknownEventTolerated(t *testing.T) {
	env, err := Decode([]byte(`{"event":"something:future","data":{"x":1}}`))
	require.NoError(t, err)
	require.Equal(t, "something:future", env.Event)
}

func TestUnmarshalEmptyPayload(t *testing.T) {
	env, err := Decode([]byte(`{"event":"message:ack"}`))
	require.NoError(t, err)

	var ack MessageAck
	err = env.Unmarshal(&ack)
	require.True(t, errors.Is(err, ErrInvalidEvent))
}
