package maildir

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/migadu/dewey/config"
	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/storage"
	"github.com/migadu/dewey/storage/userdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, users ...string) *Store {
	t.Helper()
	dir := t.TempDir()
	var lines []string
	for _, u := range users {
		lines = append(lines, u+":{PLAIN}secret")
	}
	usersFile := filepath.Join(dir, "users")
	require.NoError(t, os.WriteFile(usersFile, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	db, err := userdb.Open(usersFile)
	require.NoError(t, err)
	return NewStore(filepath.Join(dir, "mail"), db)
}

func deliver(t *testing.T, s *Store, body string, rcpts ...string) {
	t.Helper()
	err := s.Deliver(context.Background(), storage.Envelope{
		From:         "sender@example.com",
		Recipients:   rcpts,
		ReceivedTime: time.Now(),
	}, strings.NewReader(body))
	require.NoError(t, err)
}

func readMessage(t *testing.T, s *Store, user string, msg storage.Message) string {
	t.Helper()
	rc, err := s.OpenMessage(context.Background(), user, msg)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestDeliverAndList(t *testing.T) {
	s := newTestStore(t, "alice", "bob")
	ctx := context.Background()

	deliver(t, s, "Subject: one\r\n\r\nfirst\r\n", "alice", "bob")
	time.Sleep(10 * time.Millisecond)
	deliver(t, s, "Subject: two\r\n\r\nsecond body\r\n", "alice")

	msgs, err := s.ListMessages(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Subject: one\r\n\r\nfirst\r\n", readMessage(t, s, "alice", msgs[0]))
	assert.Equal(t, "Subject: two\r\n\r\nsecond body\r\n", readMessage(t, s, "alice", msgs[1]))
	assert.Equal(t, int64(len("Subject: two\r\n\r\nsecond body\r\n")), msgs[1].Size)

	again, err := s.ListMessages(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, msgs, again, "listing order is stable")

	msgs, err = s.ListMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListEmptyMailbox(t *testing.T) {
	s := newTestStore(t, "alice")
	msgs, err := s.ListMessages(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListUnknownUser(t *testing.T) {
	s := newTestStore(t, "alice")
	_, err := s.ListMessages(context.Background(), "mallory")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestExpunge(t *testing.T) {
	s := newTestStore(t, "alice")
	ctx := context.Background()
	for _, body := range []string{"a\r\n", "b\r\n", "c\r\n"} {
		deliver(t, s, body, "alice")
		time.Sleep(10 * time.Millisecond)
	}

	msgs, err := s.ListMessages(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	require.NoError(t, s.ExpungeMessages(ctx, "alice", []storage.Message{msgs[0], msgs[2]}))
	// Expunging twice is not an error.
	require.NoError(t, s.ExpungeMessages(ctx, "alice", []storage.Message{msgs[0]}))

	left, err := s.ListMessages(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, msgs[1].ID, left[0].ID)

	_, err = s.OpenMessage(ctx, "alice", msgs[0])
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestDeliverNoRecipients(t *testing.T) {
	s := newTestStore(t, "alice")
	err := s.Deliver(context.Background(), storage.Envelope{}, strings.NewReader("x"))
	assert.ErrorIs(t, err, consts.ErrNoRecipients)
}

func TestDeliverUnknownRecipient(t *testing.T) {
	s := newTestStore(t, "alice")
	err := s.Deliver(context.Background(), storage.Envelope{Recipients: []string{"alice", "ghost"}}, strings.NewReader("x\r\n"))
	assert.ErrorIs(t, err, consts.ErrUserNotFound)

	msgs, err := s.ListMessages(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeliverAllOrNothing(t *testing.T) {
	s := newTestStore(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(s.basePath, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(s.basePath, "bob"), []byte("blocked"), 0600))

	envelope := storage.Envelope{From: "sender@example.com", Recipients: []string{"alice", "bob"}}
	for attempt := 1; attempt <= 2; attempt++ {
		err := s.Deliver(ctx, envelope, strings.NewReader("Subject: retry\r\n\r\nbody\r\n"))
		require.Error(t, err, "attempt %d", attempt)
		assert.Contains(t, err.Error(), "bob")
	}

	msgs, err := s.ListMessages(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs, "a failed delivery must not leave copies behind")

	tmp, err := os.ReadDir(filepath.Join(s.basePath, "alice", "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestAuthenticateThroughStore(t *testing.T) {
	s := newTestStore(t, "alice")
	ctx := context.Background()
	assert.NoError(t, s.Authenticate(ctx, "alice", "secret"))
	assert.ErrorIs(t, s.Authenticate(ctx, "alice", "bad"), consts.ErrAuthFailed)

	ok, err := s.UserExists(ctx, "ALICE")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistered(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(context.Background(), config.StorageConfig{
		Type:      config.StorageMaildir,
		Path:      filepath.Join(dir, "mail"),
		UsersFile: filepath.Join(dir, "users"),
	})
	require.NoError(t, err)
	defer store.Close()

	ok, err := store.UserExists(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = storage.Open(context.Background(), config.StorageConfig{Type: config.StorageMaildir})
	assert.Error(t, err)
}

func TestListUnusableMailboxRoot(t *testing.T) {
	s := newTestStore(t, "alice")
	require.NoError(t, os.WriteFile(s.basePath, []byte("not a directory"), 0600))

	_, err := s.ListMessages(context.Background(), "alice")
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
}
