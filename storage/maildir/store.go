package maildir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/migadu/dewey/config"
	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/logger"
	"github.com/migadu/dewey/storage"
	"github.com/migadu/dewey/storage/userdb"
)

func init() {
	storage.Register(config.StorageMaildir, func(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
		if cfg.Path == "" {
			return nil, fmt.Errorf("maildir: storage.path is required")
		}
		users, err := userdb.Open(cfg.UsersFile)
		if err != nil {
			return nil, fmt.Errorf("maildir: failed to load users file: %w", err)
		}
		return NewStore(cfg.Path, users), nil
	})
}

// Store implements storage.Store on top of Maildir directories.
type Store struct {
	basePath string
	*userdb.File
}

// NewStore returns a Store rooted at basePath.
func NewStore(basePath string, users *userdb.File) *Store {
	return &Store{basePath: basePath, File: users}
}

// mailboxPath resolves a user's maildir and refuses anything outside basePath.
func (s *Store) mailboxPath(user string) (string, error) {
	mailbox, err := s.Mailbox(user)
	if err != nil {
		return "", err
	}
	cleanBase := filepath.Clean(s.basePath)
	candidate := filepath.Clean(filepath.Join(cleanBase, mailbox))
	if !strings.HasPrefix(candidate+string(filepath.Separator), cleanBase+string(filepath.Separator)) ||
		candidate == cleanBase {
		return "", consts.ErrInvalidUserName
	}
	return candidate, nil
}

func (s *Store) ensureMaildir(user string) (maildir.Dir, error) {
	path, err := s.mailboxPath(user)
	if err != nil {
		return "", err
	}
	dir := maildir.Dir(path)
	if _, err := os.Stat(filepath.Join(path, "cur")); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0700); err != nil {
			return "", fmt.Errorf("%w: %v", consts.ErrMailboxNotFound, err)
		}
		if err := dir.Init(); err != nil {
			return "", fmt.Errorf("%w: %v", consts.ErrMailboxNotFound, err)
		}
	}
	return dir, nil
}

type entry struct {
	msg     storage.Message
	modTime time.Time
}

// ListMessages moves new/ into cur/ and returns every message ordered by
// delivery time. The order is stable across calls as long as the mailbox
// does not change.
func (s *Store) ListMessages(ctx context.Context, user string) ([]storage.Message, error) {
	dir, err := s.ensureMaildir(user)
	if err != nil {
		return nil, err
	}

	if _, err := dir.Unseen(); err != nil {
		return nil, fmt.Errorf("maildir: failed to scan new/: %w", err)
	}
	all, err := dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("maildir: failed to scan cur/: %w", err)
	}

	entries := make([]entry, 0, len(all))
	for _, msg := range all {
		fi, err := os.Stat(msg.Filename())
		if err != nil {
			// Removed by a concurrent session
			continue
		}
		entries = append(entries, entry{
			msg:     storage.Message{ID: msg.Key(), Size: fi.Size()},
			modTime: fi.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].modTime.Before(entries[j].modTime)
		}
		return entries[i].msg.ID < entries[j].msg.ID
	})

	messages := make([]storage.Message, len(entries))
	for i, e := range entries {
		messages[i] = e.msg
	}
	return messages, nil
}

// OpenMessage implements storage.MailboxStore.
func (s *Store) OpenMessage(ctx context.Context, user string, msg storage.Message) (io.ReadCloser, error) {
	path, err := s.mailboxPath(user)
	if err != nil {
		return nil, err
	}
	m, err := maildir.Dir(path).MessageByKey(msg.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMessageNotFound, err)
	}
	return m.Open()
}

// ExpungeMessages implements storage.MailboxStore.
func (s *Store) ExpungeMessages(ctx context.Context, user string, msgs []storage.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	path, err := s.mailboxPath(user)
	if err != nil {
		return err
	}
	dir := maildir.Dir(path)

	var errs []error
	for _, msg := range msgs {
		m, err := dir.MessageByKey(msg.ID)
		if err != nil {
			continue
		}
		if err := m.Remove(); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", msg.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Deliver writes message into every recipient's tmp/ directory and moves
// the copies to new/ only once all of them were written. On any failure
// no recipient receives the message.
func (s *Store) Deliver(ctx context.Context, envelope storage.Envelope, message io.Reader) error {
	if len(envelope.Recipients) == 0 {
		return consts.ErrNoRecipients
	}

	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}

	deliveries := make([]*maildir.Delivery, 0, len(envelope.Recipients))
	abort := func() {
		for _, d := range deliveries {
			_ = d.Abort()
		}
	}
	for _, rcpt := range envelope.Recipients {
		delivery, err := s.prepare(rcpt, data)
		if err != nil {
			abort()
			logger.Warn("Maildir delivery failed", "recipient", rcpt, "error", err)
			return fmt.Errorf("%s: %w", rcpt, err)
		}
		deliveries = append(deliveries, delivery)
	}

	// A rename within one filesystem only fails if the maildir vanished.
	var errs []error
	for i, d := range deliveries {
		if err := d.Close(); err != nil {
			rcpt := envelope.Recipients[i]
			logger.Warn("Maildir delivery failed", "recipient", rcpt, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", rcpt, err))
		}
	}
	return errors.Join(errs...)
}

// prepare writes data to a new file in user's tmp/.
func (s *Store) prepare(user string, data []byte) (*maildir.Delivery, error) {
	dir, err := s.ensureMaildir(user)
	if err != nil {
		return nil, err
	}
	delivery, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(delivery, bytes.NewReader(data)); err != nil {
		_ = delivery.Abort()
		return nil, err
	}
	return delivery, nil
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }
