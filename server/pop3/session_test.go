package pop3

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/migadu/dewey/pkg/metrics"
	"github.com/migadu/dewey/storage"
	"github.com/migadu/dewey/testutils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMessages = []string{
	"Subject: one\r\n\r\nfirst message\r\n",
	"Subject: two\r\n\r\nsecond message, a bit longer\r\n",
	"Subject: three\r\n\r\nthird\r\n",
}

func newTestStore() *testutils.MemStore {
	store := testutils.NewMemStore()
	store.AddUser("alice", "hunter2")
	store.AddUser("bob", "secret")
	for _, m := range testMessages {
		store.AddMessage("alice", m)
	}
	return store
}

func startServer(t *testing.T, backend Backend, opts POP3ServerOptions) (*POP3Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	srv, err := New(context.Background(), "test", "localhost", ln.Addr().String(), backend, opts)
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Close)
	return srv, ln.Addr().String()
}

func connect(t *testing.T, addr string) *testutils.LineClient {
	t.Helper()
	c := testutils.DialLine(t, addr)
	require.Equal(t, "+OK POP3 server ready", c.ReadLine())
	return c
}

func login(t *testing.T, c *testutils.LineClient, user, password string) string {
	t.Helper()
	require.Equal(t, "+OK User accepted", c.Cmd("USER "+user))
	return c.Cmd("PASS " + password)
}

func totalSize(msgs ...string) int {
	n := 0
	for _, m := range msgs {
		n += len(m)
	}
	return n
}

func TestLoginAndList(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)

	size := totalSize(testMessages...)
	assert.Equal(t, fmt.Sprintf("+OK Maildrop ready, 3 messages (%d octets)", size), login(t, c, "alice", "hunter2"))

	assert.Equal(t, fmt.Sprintf("+OK 3 messages (%d octets)", size), c.Cmd("LIST"))
	assert.Equal(t, []string{
		fmt.Sprintf("1 %d", len(testMessages[0])),
		fmt.Sprintf("2 %d", len(testMessages[1])),
		fmt.Sprintf("3 %d", len(testMessages[2])),
	}, c.ReadMultiline())

	assert.Equal(t, fmt.Sprintf("+OK 3 %d", size), c.Cmd("STAT"))
	assert.Equal(t, fmt.Sprintf("+OK 2 %d", len(testMessages[1])), c.Cmd("LIST 2"))
	assert.Equal(t, "+OK", c.Cmd("NOOP"))
}

func TestCaseInsensitiveVerbs(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)

	assert.Equal(t, "+OK User accepted", c.Cmd("user alice"))
	assert.True(t, strings.HasPrefix(c.Cmd("Pass hunter2"), "+OK Maildrop ready, 3 messages"))
	assert.True(t, strings.HasPrefix(c.Cmd("stat"), "+OK 3 "))
}

func TestPasswordWithSpaces(t *testing.T) {
	store := newTestStore()
	store.AddUser("carol", "correct horse battery")
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)

	assert.Equal(t, "+OK Maildrop ready, 0 messages (0 octets)", login(t, c, "carol", "correct horse battery"))
}

func TestAuthorizationFailures(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)

	steps := []struct {
		send string
		want string
	}{
		{"PASS hunter2", "-ERR USER required first"},
		{"USER nobody", "-ERR No such user"},
		{"PASS hunter2", "-ERR USER required first"},
		{"USER", "-ERR Missing user name"},
		{"USER alice extra", "-ERR Too many arguments"},

		// A failed password forgets the user
		{"USER alice", "+OK User accepted"},
		{"PASS wrong", "-ERR Invalid password"},
		{"PASS hunter2", "-ERR USER required first"},

		// A failed USER in AUTH_PASSWORD forgets the earlier one
		{"USER alice", "+OK User accepted"},
		{"USER nobody", "-ERR No such user"},
		{"PASS hunter2", "-ERR USER required first"},

		// USER may be repeated before PASS
		{"USER bob", "+OK User accepted"},
		{"USER alice", "+OK User accepted"},
		{"PASS", "-ERR Missing password"},
		{"PASS secret", "-ERR Invalid password"},
	}
	for _, step := range steps {
		assert.Equal(t, step.want, c.Cmd(step.send), step.send)
	}
}

func TestAuthenticationMetrics(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	failures := metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure")
	successes := metrics.AuthenticationAttempts.WithLabelValues("pop3", "success")
	beforeFail, beforeOK := testutil.ToFloat64(failures), testutil.ToFloat64(successes)

	c := connect(t, addr)
	login(t, c, "alice", "bad")
	login(t, c, "alice", "hunter2")

	assert.Equal(t, beforeFail+1, testutil.ToFloat64(failures))
	assert.Equal(t, beforeOK+1, testutil.ToFloat64(successes))
}

func TestTransactionCommandsRequireLogin(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)

	for _, cmd := range []string{"STAT", "LIST", "LIST 1", "RETR 1", "DELE 1", "RSET"} {
		assert.Equal(t, "-ERR Not logged in, login first", c.Cmd(cmd), cmd)
	}

	// Same in AUTH_PASSWORD
	require.Equal(t, "+OK User accepted", c.Cmd("USER alice"))
	assert.Equal(t, "-ERR Not logged in, login first", c.Cmd("STAT"))
	assert.True(t, strings.HasPrefix(c.Cmd("PASS hunter2"), "+OK Maildrop ready"))
}

func TestAlreadyLoggedIn(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	assert.Equal(t, "-ERR Already logged in", c.Cmd("USER bob"))
	assert.Equal(t, "-ERR Already logged in", c.Cmd("PASS secret"))
	assert.True(t, strings.HasPrefix(c.Cmd("STAT"), "+OK 3 "))
}

func TestUnsupportedAndUnknownCommands(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)

	check := func() {
		assert.Equal(t, "-ERR Unsupported command: TOP", c.Cmd("TOP 1 10"))
		assert.Equal(t, "-ERR Unsupported command: UIDL", c.Cmd("uidl"))
		assert.Equal(t, "-ERR Unsupported command: APOP", c.Cmd("APOP alice 0123456789abcdef"))
		assert.Equal(t, "-ERR Invalid command: XYZZ", c.Cmd("XYZZ"))
		assert.Equal(t, "-ERR Invalid command: STATUS", c.Cmd("STATUS"))
		assert.Equal(t, "-ERR Invalid command: CAPA", c.Cmd("CAPA"))
		assert.Equal(t, "-ERR Invalid command: ", c.Cmd(""))
	}
	check()
	login(t, c, "alice", "hunter2")
	check()
}

func TestMessageNumberSyntax(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	tests := []struct {
		cmd  string
		want string
	}{
		{"RETR", "-ERR Missing message number"},
		{"DELE", "-ERR Missing message number"},
		{"RETR one", "-ERR Invalid message number"},
		{"DELE +1", "-ERR Invalid message number"},
		{"LIST 1x", "-ERR Invalid message number"},
		{"LIST 1 2", "-ERR Too many arguments"},
		{"STAT now", "-ERR Too many arguments"},
		{"RETR 0", "-ERR No such message"},
		{"RETR 4", "-ERR No such message"},
		{"DELE -1", "-ERR No such message"},
		{"LIST 99", "-ERR No such message"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Cmd(tt.cmd), tt.cmd)
	}

	// None of the above changed anything
	assert.Equal(t, fmt.Sprintf("+OK 3 %d", totalSize(testMessages...)), c.Cmd("STAT"))
}

func TestRetr(t *testing.T) {
	store := newTestStore()
	stuffed := ".hidden\r\nline\r\n.\r\nlast line without newline"
	store.AddMessage("alice", stuffed)
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	assert.Equal(t, fmt.Sprintf("+OK %d octets", len(testMessages[0])), c.Cmd("RETR 1"))
	assert.Equal(t, []string{"Subject: one", "", "first message"}, c.ReadMultiline())

	assert.Equal(t, fmt.Sprintf("+OK %d octets", len(stuffed)), c.Cmd("RETR 4"))
	assert.Equal(t, []string{"..hidden", "line", "..", "last line without newline"}, c.ReadMultiline())

	assert.Equal(t, "+OK", c.Cmd("NOOP"))
}

func TestDeleteKeepsNumbering(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	assert.Equal(t, "+OK Message 2 deleted", c.Cmd("DELE 2"))
	assert.Equal(t, "-ERR Message 2 already deleted", c.Cmd("DELE 2"))

	live := totalSize(testMessages[0], testMessages[2])
	assert.Equal(t, fmt.Sprintf("+OK 2 %d", live), c.Cmd("STAT"))
	assert.Equal(t, fmt.Sprintf("+OK 2 messages (%d octets)", live), c.Cmd("LIST"))
	assert.Equal(t, []string{
		fmt.Sprintf("1 %d", len(testMessages[0])),
		fmt.Sprintf("3 %d", len(testMessages[2])),
	}, c.ReadMultiline())

	assert.Equal(t, "-ERR No such message", c.Cmd("LIST 2"))
	assert.Equal(t, "-ERR No such message", c.Cmd("RETR 2"))
	assert.Equal(t, fmt.Sprintf("+OK 3 %d", len(testMessages[2])), c.Cmd("LIST 3"))
}

func TestRsetRestoresDeletedMessages(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	require.Equal(t, "+OK Message 1 deleted", c.Cmd("DELE 1"))
	require.Equal(t, "+OK Message 3 deleted", c.Cmd("DELE 3"))
	assert.Equal(t, "+OK 2 messages restored", c.Cmd("RSET"))
	assert.Equal(t, "+OK 0 messages restored", c.Cmd("RSET"))

	assert.Equal(t, fmt.Sprintf("+OK 1 %d", len(testMessages[0])), c.Cmd("LIST 1"))
	assert.Equal(t, fmt.Sprintf("+OK %d octets", len(testMessages[0])), c.Cmd("RETR 1"))
	assert.Equal(t, []string{"Subject: one", "", "first message"}, c.ReadMultiline())
	assert.Equal(t, "+OK Message 1 deleted", c.Cmd("DELE 1"))
}

func TestQuitCommitsDeletions(t *testing.T) {
	store := newTestStore()
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	require.Equal(t, "+OK Message 2 deleted", c.Cmd("DELE 2"))
	assert.Equal(t, "+OK dewey POP3 server signing off (2 messages left)", c.Cmd("QUIT"))
	c.ExpectClosed()

	calls := store.ExpungeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, testutils.ExpungeCall{User: "alice", IDs: []string{"2"}}, calls[0])
	assert.Equal(t, []string{testMessages[0], testMessages[2]}, store.Messages("alice"))
}

func TestQuitWithoutDeletions(t *testing.T) {
	store := newTestStore()
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	assert.Equal(t, "+OK dewey POP3 server signing off (3 messages left)", c.Cmd("QUIT"))
	c.ExpectClosed()
	assert.Empty(t, store.ExpungeCalls())
}

func TestQuitBeforeLogin(t *testing.T) {
	store := newTestStore()
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)

	require.Equal(t, "+OK User accepted", c.Cmd("USER alice"))
	assert.Equal(t, "+OK dewey POP3 server signing off", c.Cmd("QUIT"))
	c.ExpectClosed()
	assert.Empty(t, store.ExpungeCalls())
}

func TestQuitExpungeFailure(t *testing.T) {
	store := newTestStore()
	store.SetError(testutils.OpExpungeMessages, testutils.ErrInjected)
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	require.Equal(t, "+OK Message 1 deleted", c.Cmd("DELE 1"))
	assert.Equal(t, "-ERR Some deleted messages not removed", c.Cmd("QUIT"))
	c.ExpectClosed()
	assert.Len(t, store.Messages("alice"), 3)
}

func TestDisconnectDiscardsDeletions(t *testing.T) {
	store := newTestStore()
	srv, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	require.Equal(t, "+OK Message 1 deleted", c.Cmd("DELE 1"))
	require.Equal(t, int64(1), srv.GetAuthenticatedConnections())
	c.Conn.Close()

	require.Eventually(t, func() bool { return srv.GetTotalConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), srv.GetAuthenticatedConnections())
	assert.Empty(t, store.ExpungeCalls())
	assert.Len(t, store.Messages("alice"), 3)
}

func TestRetrReadFailureEndsSession(t *testing.T) {
	store := newTestStore()
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	require.Equal(t, "+OK Message 2 deleted", c.Cmd("DELE 2"))
	store.SetError(testutils.OpReadMessage, testutils.ErrInjected)
	c.Send("RETR 1")

	// The partial reply is never flushed
	c.ExpectClosed()
	assert.Empty(t, store.ExpungeCalls())
}

func TestRetrOpenFailure(t *testing.T) {
	store := newTestStore()
	store.SetError(testutils.OpOpenMessage, testutils.ErrInjected)
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	assert.Equal(t, "-ERR Message not available", c.Cmd("RETR 1"))
	assert.Equal(t, "+OK", c.Cmd("NOOP"))
}

func TestMaildropListFailure(t *testing.T) {
	store := newTestStore()
	store.SetError(testutils.OpListMessages, testutils.ErrInjected)
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)

	assert.Equal(t, "-ERR Unable to open maildrop", login(t, c, "alice", "hunter2"))
	assert.Equal(t, "-ERR USER required first", c.Cmd("PASS hunter2"))

	store.ClearError(testutils.OpListMessages)
	assert.True(t, strings.HasPrefix(login(t, c, "alice", "hunter2"), "+OK Maildrop ready"))
}

func TestStorageErrorOnUser(t *testing.T) {
	store := newTestStore()
	store.SetError(testutils.OpUserExists, testutils.ErrInjected)
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)

	assert.Equal(t, "-ERR Internal server error", c.Cmd("USER alice"))
	assert.Equal(t, "-ERR USER required first", c.Cmd("PASS hunter2"))
}

func TestSnapshotIsFixedAtLogin(t *testing.T) {
	store := newTestStore()
	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")

	store.AddMessage("alice", "Subject: late\r\n\r\nlate\r\n")
	assert.Equal(t, fmt.Sprintf("+OK 3 %d", totalSize(testMessages...)), c.Cmd("STAT"))
	assert.Equal(t, "-ERR No such message", c.Cmd("RETR 4"))
}

func TestLineTooLong(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)

	assert.Equal(t, "-ERR Line is too long", c.Cmd("USER "+strings.Repeat("a", 1100)))
	assert.Equal(t, "+OK", c.Cmd("NOOP"))
	assert.Equal(t, "+OK User accepted", c.Cmd("USER alice"))
}

func TestBareLineFeeds(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{})
	c := connect(t, addr)

	c.SendRaw("USER alice\n")
	assert.Equal(t, "+OK User accepted", c.ReadLine())
}

func TestConnectionLimit(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{MaxConnections: 1})
	first := connect(t, addr)

	second := testutils.DialLine(t, addr)
	assert.Equal(t, "-ERR Too many connections", second.ReadLine())
	second.ExpectClosed()

	assert.Equal(t, "+OK", first.Cmd("NOOP"))
}

func TestIdleTimeout(t *testing.T) {
	_, addr := startServer(t, newTestStore(), POP3ServerOptions{CommandTimeout: 200 * time.Millisecond})
	c := connect(t, addr)

	assert.Equal(t, "-ERR Connection timed out due to inactivity", c.ReadLine())
	c.ExpectClosed()
}

func TestCloseEndsSessionsWithoutCommit(t *testing.T) {
	store := newTestStore()
	srv, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)
	login(t, c, "alice", "hunter2")
	require.Equal(t, "+OK Message 1 deleted", c.Cmd("DELE 1"))

	srv.Close()

	assert.Equal(t, "-ERR Server shutting down, please reconnect", c.ReadLine())
	c.ExpectClosed()
	assert.Equal(t, int64(0), srv.GetTotalConnections())
	assert.Empty(t, store.ExpungeCalls())

	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSessionsAreIndependent(t *testing.T) {
	store := newTestStore()
	_, addr := startServer(t, store, POP3ServerOptions{})

	a := connect(t, addr)
	b := connect(t, addr)
	login(t, a, "alice", "hunter2")
	login(t, b, "alice", "hunter2")

	require.Equal(t, "+OK Message 1 deleted", a.Cmd("DELE 1"))
	assert.Equal(t, fmt.Sprintf("+OK 1 %d", len(testMessages[0])), b.Cmd("LIST 1"))
	assert.Equal(t, "+OK Message 1 deleted", b.Cmd("DELE 1"))
}

func TestSQLiteBackedSession(t *testing.T) {
	store := testutils.SetupTestStore(t, "alice")
	body := "Subject: stored\r\n\r\n.hidden dot\r\nend\r\n"
	require.NoError(t, store.Deliver(context.Background(), storage.Envelope{
		From:       "sender@example.com",
		Recipients: []string{"alice"},
	}, strings.NewReader(body)))

	_, addr := startServer(t, store, POP3ServerOptions{})
	c := connect(t, addr)

	assert.Equal(t, fmt.Sprintf("+OK Maildrop ready, 1 messages (%d octets)", len(body)), login(t, c, "alice", "password"))
	assert.Equal(t, fmt.Sprintf("+OK %d octets", len(body)), c.Cmd("RETR 1"))
	assert.Equal(t, []string{"Subject: stored", "", "..hidden dot", "end"}, c.ReadMultiline())
	assert.Equal(t, "+OK Message 1 deleted", c.Cmd("DELE 1"))
	assert.Equal(t, "+OK dewey POP3 server signing off (0 messages left)", c.Cmd("QUIT"))
	c.ExpectClosed()

	msgs, err := store.ListMessages(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
