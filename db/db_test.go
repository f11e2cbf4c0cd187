package db

import (
	"os"
	"testing"
	"time"

	"obscomm/models"

	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	tmpfile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := New(tmpfile.Name())
	require.NoError(t, err)

	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})
	return database
}

func addUser(t *testing.T, database *DB, username, token string) int64 {
	id, err := database.UpsertUser(&models.User{Username: username}, token)
	require.NoError(t, err)
	return id
}

func TestAuthenticate(t *testing.T) {
	database := setupTestDB(t)
	id := addUser(t, database, "observer1", "secret")

	ok, err := database.Authenticate(id, "secret")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = database.Authenticate(id, "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = database.Authenticate(9999, "secret")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertUserUpdatesProfile(t *testing.T) {
	database := setupTestDB(t)
	id := addUser(t, database, "observer1", "secret")

	_, err := database.UpsertUser(&models.User{
		ID:        id,
		Username:  "observer1",
		FirstName: "Ana",
		LastName:  "Reyes",
	}, "")
	require.NoError(t, err)

	u, err := database.GetUser(id)
	require.NoError(t, err)
	require.Equal(t, "Ana", u.FirstName)

	// Token untouched by a profile-only update.
	ok, err := database.Authenticate(id, "secret")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSaveMessageIdempotent(t *testing.T) {
	database := setupTestDB(t)
	a := addUser(t, database, "a", "t")
	b := addUser(t, database, "b", "t")

	msg := &models.Message{
		ID:         "msg-1",
		SenderID:   a,
		ReceiverID: b,
		Content:    "hello",
		Type:       models.MessageText,
		SentAt:     time.Now().UTC(),
	}

	seq1, sent1, err := database.SaveMessage(msg)
	require.NoError(t, err)
	require.NotZero(t, seq1)

	// A retry with the same id changes nothing.
	seq2, sent2, err := database.SaveMessage(msg)
	require.NoError(t, err)
	require.Equal(t, seq1, seq2)
	require.True(t, sent1.Equal(sent2))

	history, err := database.GetMessages(a, b, 0, 100)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestUndeliveredQueue(t *testing.T) {
	database := setupTestDB(t)
	a := addUser(t, database, "a", "t")
	b := addUser(t, database, "b", "t")

	base := time.Now().UTC()
	for i, content := range []string{"first", "second"} {
		_, _, err := database.SaveMessage(&models.Message{
			ID:         content,
			SenderID:   a,
			ReceiverID: b,
			Content:    content,
			Type:       models.MessageText,
			SentAt:     base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	queued, err := database.Undelivered(b)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, "first", queued[0].Content)

	require.NoError(t, database.MarkDelivered([]string{"first", "second"}))

	queued, err = database.Undelivered(b)
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestReadFlags(t *testing.T) {
	database := setupTestDB(t)
	a := addUser(t, database, "a", "t")
	b := addUser(t, database, "b", "t")

	for _, id := range []string{"m1", "m2"} {
		_, _, err := database.SaveMessage(&models.Message{
			ID: id, SenderID: a, ReceiverID: b,
			Content: id, Type: models.MessageText, SentAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	counts, err := database.UnreadCounts(b)
	require.NoError(t, err)
	require.Equal(t, 2, counts[a])

	require.NoError(t, database.MarkReadFrom(a, b))

	counts, err = database.UnreadCounts(b)
	require.NoError(t, err)
	require.Empty(t, counts)

	history, err := database.GetMessages(a, b, 0, 100)
	require.NoError(t, err)
	for _, m := range history {
		require.True(t, m.Read)
	}
}
