package testutils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/storage"
)

// Operation names accepted by MemStore.SetError.
const (
	OpUserExists      = "UserExists"
	OpAuthenticate    = "Authenticate"
	OpListMessages    = "ListMessages"
	OpOpenMessage     = "OpenMessage"
	OpReadMessage     = "ReadMessage"
	OpExpungeMessages = "ExpungeMessages"
	OpDeliver         = "Deliver"
)

// Delivery is one recorded Deliver call.
type Delivery struct {
	Envelope storage.Envelope
	Data     []byte
}

// ExpungeCall is one recorded ExpungeMessages call.
type ExpungeCall struct {
	User string
	IDs  []string
}

type memMessage struct {
	id   string
	data []byte
}

// MemStore is an in-memory storage.Store for tests. Passwords are stored in
// clear text.
type MemStore struct {
	mu         sync.Mutex
	users      map[string]string
	mailboxes  map[string][]memMessage
	nextID     int
	deliveries []Delivery
	expunges   []ExpungeCall
	errors     map[string]error
}

var _ storage.Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:     make(map[string]string),
		mailboxes: make(map[string][]memMessage),
		errors:    make(map[string]error),
	}
}

// AddUser creates or replaces a user.
func (m *MemStore) AddUser(name, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[name] = password
}

// AddMessage appends a message to user's mailbox and returns its listing entry.
func (m *MemStore) AddMessage(user, content string) storage.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(user, []byte(content))
}

func (m *MemStore) addLocked(user string, data []byte) storage.Message {
	m.nextID++
	msg := memMessage{id: strconv.Itoa(m.nextID), data: append([]byte(nil), data...)}
	m.mailboxes[user] = append(m.mailboxes[user], msg)
	return storage.Message{ID: msg.id, Size: int64(len(data))}
}

// Messages returns the contents of user's mailbox in order.
func (m *MemStore) Messages(user string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.mailboxes[user]))
	for _, msg := range m.mailboxes[user] {
		out = append(out, string(msg.data))
	}
	return out
}

// SetError makes op fail with err until ClearError is called.
func (m *MemStore) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[op] = err
}

// ClearError removes an injected failure.
func (m *MemStore) ClearError(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, op)
}

// Deliveries returns every Deliver call that succeeded.
func (m *MemStore) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.deliveries...)
}

// ExpungeCalls returns every ExpungeMessages call, including failed ones.
func (m *MemStore) ExpungeCalls() []ExpungeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExpungeCall(nil), m.expunges...)
}

func (m *MemStore) injected(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[op]
}

// UserExists implements storage.UserValidator.
func (m *MemStore) UserExists(ctx context.Context, user string) (bool, error) {
	if err := m.injected(OpUserExists); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[user]
	return ok, nil
}

// Authenticate implements storage.Authenticator.
func (m *MemStore) Authenticate(ctx context.Context, user, password string) error {
	if err := m.injected(OpAuthenticate); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pw, ok := m.users[user]; !ok || pw != password {
		return consts.ErrAuthFailed
	}
	return nil
}

// ListMessages implements storage.MailboxStore.
func (m *MemStore) ListMessages(ctx context.Context, user string) ([]storage.Message, error) {
	if err := m.injected(OpListMessages); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Message, 0, len(m.mailboxes[user]))
	for _, msg := range m.mailboxes[user] {
		out = append(out, storage.Message{ID: msg.id, Size: int64(len(msg.data))})
	}
	return out, nil
}

// OpenMessage implements storage.MailboxStore. With OpReadMessage set, the
// returned reader yields half of the message and then fails.
func (m *MemStore) OpenMessage(ctx context.Context, user string, msg storage.Message) (io.ReadCloser, error) {
	if err := m.injected(OpOpenMessage); err != nil {
		return nil, err
	}
	readErr := m.injected(OpReadMessage)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range m.mailboxes[user] {
		if mm.id != msg.ID {
			continue
		}
		if readErr != nil {
			half := bytes.NewReader(mm.data[:len(mm.data)/2])
			return io.NopCloser(io.MultiReader(half, &errReader{err: readErr})), nil
		}
		return io.NopCloser(bytes.NewReader(mm.data)), nil
	}
	return nil, consts.ErrMessageNotFound
}

// ExpungeMessages implements storage.MailboxStore.
func (m *MemStore) ExpungeMessages(ctx context.Context, user string, msgs []storage.Message) error {
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}

	m.mu.Lock()
	m.expunges = append(m.expunges, ExpungeCall{User: user, IDs: ids})
	m.mu.Unlock()

	if err := m.injected(OpExpungeMessages); err != nil {
		return err
	}

	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.mailboxes[user][:0]
	for _, mm := range m.mailboxes[user] {
		if !remove[mm.id] {
			kept = append(kept, mm)
		}
	}
	m.mailboxes[user] = kept
	return nil
}

// Deliver implements storage.DeliveryAgent. Unknown recipients fail the
// whole delivery.
func (m *MemStore) Deliver(ctx context.Context, envelope storage.Envelope, message io.Reader) error {
	if err := m.injected(OpDeliver); err != nil {
		return err
	}
	if len(envelope.Recipients) == 0 {
		return consts.ErrNoRecipients
	}
	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rcpt := range envelope.Recipients {
		if _, ok := m.users[rcpt]; !ok {
			return fmt.Errorf("%s: %w", rcpt, consts.ErrUserNotFound)
		}
	}
	for _, rcpt := range envelope.Recipients {
		m.addLocked(rcpt, data)
	}
	envelope.Recipients = append([]string(nil), envelope.Recipients...)
	m.deliveries = append(m.deliveries, Delivery{Envelope: envelope, Data: data})
	return nil
}

// CreateUser implements storage.UserAdmin. The hash is stored as the password.
func (m *MemStore) CreateUser(ctx context.Context, user, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user]; ok {
		return consts.ErrUserExists
	}
	m.users[user] = passwordHash
	return nil
}

// SetPassword implements storage.UserAdmin.
func (m *MemStore) SetPassword(ctx context.Context, user, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user]; !ok {
		return consts.ErrUserNotFound
	}
	m.users[user] = passwordHash
	return nil
}

// DeleteUser implements storage.UserAdmin.
func (m *MemStore) DeleteUser(ctx context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user]; !ok {
		return consts.ErrUserNotFound
	}
	delete(m.users, user)
	delete(m.mailboxes, user)
	return nil
}

// Close implements storage.Store.
func (m *MemStore) Close() error { return nil }

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

// ErrInjected is a convenience error for SetError.
var ErrInjected = errors.New("injected failure")
