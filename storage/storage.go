// Package storage defines the mail storage adapter shared by the POP3 and
// SMTP engines, and a registry of backends selected by configuration.
//
// A backend resolves user names, checks credentials, lists a user's
// mailbox as an ordered snapshot, streams message content, commits
// deletions and delivers new messages to one or more users.
//
// Backends register themselves from init, so binaries enable them with
// a blank import:
//
//	import _ "github.com/migadu/dewey/storage/maildir"
//
//	store, err := storage.Open(ctx, cfg.Storage)
//
// Backends must be safe for concurrent use by many sessions.
package storage

import (
	"context"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/migadu/dewey/config"
	"github.com/migadu/dewey/consts"
)

// Message is one entry of a mailbox listing.
type Message struct {
	ID   string // Backend key, opaque to callers
	Size int64  // Size in octets as stored
}

// Envelope describes a message being delivered.
type Envelope struct {
	From           string
	Recipients     []string
	ReceivedTime   time.Time
	ClientIP       net.IP
	ClientHostname string
}

// UserValidator reports whether a user name is known.
type UserValidator interface {
	UserExists(ctx context.Context, user string) (bool, error)
}

// Authenticator verifies a user's password. It returns consts.ErrAuthFailed
// for unknown users and wrong passwords alike.
type Authenticator interface {
	Authenticate(ctx context.Context, user, password string) error
}

// MailboxStore gives access to one user's messages.
type MailboxStore interface {
	// ListMessages returns the mailbox in a stable order.
	ListMessages(ctx context.Context, user string) ([]Message, error)
	OpenMessage(ctx context.Context, user string, msg Message) (io.ReadCloser, error)
	// ExpungeMessages permanently removes msgs. Messages already gone are ignored.
	ExpungeMessages(ctx context.Context, user string, msgs []Message) error
}

// DeliveryAgent appends a message to every recipient's mailbox.
type DeliveryAgent interface {
	Deliver(ctx context.Context, envelope Envelope, message io.Reader) error
}

// UserAdmin manages accounts. Password hashes are produced by userdb.HashPassword.
type UserAdmin interface {
	CreateUser(ctx context.Context, user, passwordHash string) error
	SetPassword(ctx context.Context, user, passwordHash string) error
	DeleteUser(ctx context.Context, user string) error
}

// Store is a complete backend.
type Store interface {
	UserValidator
	Authenticator
	MailboxStore
	DeliveryAgent
	UserAdmin
	Close() error
}

// Factory opens a backend from configuration.
type Factory func(ctx context.Context, cfg config.StorageConfig) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a backend factory. It panics on an empty name, a nil
// factory, or a name registered twice.
func Register(name string, factory Factory) {
	if name == "" {
		panic("storage: Register called with empty name")
	}
	if factory == nil {
		panic("storage: Register called with nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic("storage: Register called twice for " + name)
	}
	registry[name] = factory
}

// Open creates a Store using the factory registered for cfg.Type.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, consts.ErrStoreNotRegistered
	}
	return factory(ctx, cfg)
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeUser lower-cases and trims a user name and rejects names that
// cannot be used as a mailbox key: empty, path separators, dot segments,
// the password file separator, whitespace and control characters.
func NormalizeUser(user string) (string, error) {
	user = strings.ToLower(strings.TrimSpace(user))
	if user == "" || user == "." || user == ".." {
		return "", consts.ErrInvalidUserName
	}
	for _, r := range user {
		if r == '/' || r == '\\' || r == ':' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", consts.ErrInvalidUserName
		}
	}
	return user, nil
}
