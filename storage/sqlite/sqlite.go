// Package sqlite keeps accounts and messages in a single SQLite database
// file. It registers itself under the name "sqlite".
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/migadu/dewey/config"
	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/helpers"
	"github.com/migadu/dewey/logger"
	"github.com/migadu/dewey/pkg/metrics"
	"github.com/migadu/dewey/storage"
	"github.com/migadu/dewey/storage/userdb"
	_ "modernc.org/sqlite"
)

const backendName = config.StorageSQLite

const schema = `
CREATE TABLE IF NOT EXISTS users (
	name       TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_name    TEXT NOT NULL,
	sender       TEXT NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	message_id   TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	size         INTEGER NOT NULL,
	body         BLOB NOT NULL,
	received_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_name, id);
`

func init() {
	storage.Register(backendName, func(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite: storage.path is required")
		}
		return Open(ctx, cfg.Path)
	})
}

// Store implements storage.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	// Pragmas in the DSN apply to every pooled connection.
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite store opened", "path", path)
	return &Store{db: db}, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// UserExists implements storage.UserValidator.
func (s *Store) UserExists(ctx context.Context, user string) (ok bool, err error) {
	defer metrics.ObserveQuery("user_exists", backendName, time.Now(), &err)

	name, nerr := storage.NormalizeUser(user)
	if nerr != nil {
		return false, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Authenticate implements storage.Authenticator.
func (s *Store) Authenticate(ctx context.Context, user, password string) (err error) {
	defer metrics.ObserveQuery("authenticate", backendName, time.Now(), &err)

	name, nerr := storage.NormalizeUser(user)
	if nerr != nil {
		return consts.ErrAuthFailed
	}
	var hash string
	err = s.db.QueryRowContext(ctx, `SELECT password FROM users WHERE name = ?`, name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return consts.ErrAuthFailed
	}
	if err != nil {
		return err
	}
	if verr := userdb.VerifyPassword(hash, password); verr != nil {
		return fmt.Errorf("%w: %v", consts.ErrAuthFailed, verr)
	}
	return nil
}

// ListMessages implements storage.MailboxStore. Messages are ordered by id,
// which is delivery order.
func (s *Store) ListMessages(ctx context.Context, user string) (msgs []storage.Message, err error) {
	defer metrics.ObserveQuery("list_messages", backendName, time.Now(), &err)

	name, err := storage.NormalizeUser(user)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, size FROM messages WHERE user_name = ? ORDER BY id`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs = []storage.Message{}
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, err
		}
		msgs = append(msgs, storage.Message{ID: strconv.FormatInt(id, 10), Size: size})
	}
	return msgs, rows.Err()
}

// OpenMessage implements storage.MailboxStore.
func (s *Store) OpenMessage(ctx context.Context, user string, msg storage.Message) (rc io.ReadCloser, err error) {
	defer metrics.ObserveQuery("open_message", backendName, time.Now(), &err)

	name, err := storage.NormalizeUser(user)
	if err != nil {
		return nil, err
	}
	id, perr := strconv.ParseInt(msg.ID, 10, 64)
	if perr != nil {
		return nil, consts.ErrMessageNotFound
	}
	var body []byte
	err = s.db.QueryRowContext(ctx, `SELECT body FROM messages WHERE id = ? AND user_name = ?`, id, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// ExpungeMessages implements storage.MailboxStore. All rows go in one
// transaction.
func (s *Store) ExpungeMessages(ctx context.Context, user string, msgs []storage.Message) (err error) {
	defer metrics.ObserveQuery("expunge_messages", backendName, time.Now(), &err)

	if len(msgs) == 0 {
		return nil
	}
	name, err := storage.NormalizeUser(user)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer s.finish(tx, &err)

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM messages WHERE id = ? AND user_name = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range msgs {
		id, perr := strconv.ParseInt(msg.ID, 10, 64)
		if perr != nil {
			continue
		}
		if _, err = stmt.ExecContext(ctx, id, name); err != nil {
			return err
		}
	}
	return nil
}

// Deliver implements storage.DeliveryAgent. Either every recipient gets a
// copy or none does.
func (s *Store) Deliver(ctx context.Context, envelope storage.Envelope, message io.Reader) (err error) {
	defer metrics.ObserveQuery("deliver", backendName, time.Now(), &err)

	if len(envelope.Recipients) == 0 {
		return consts.ErrNoRecipients
	}
	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}
	info := helpers.ParseMessageInfo(data)
	received := envelope.ReceivedTime
	if received.IsZero() {
		received = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer s.finish(tx, &err)

	for _, rcpt := range envelope.Recipients {
		name, nerr := storage.NormalizeUser(rcpt)
		if nerr != nil {
			return fmt.Errorf("%s: %w", rcpt, nerr)
		}
		var one int
		if qerr := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE name = ?`, name).Scan(&one); qerr != nil {
			if errors.Is(qerr, sql.ErrNoRows) {
				return fmt.Errorf("%s: %w", rcpt, consts.ErrUserNotFound)
			}
			return qerr
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (user_name, sender, subject, message_id, content_hash, size, body, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			name, envelope.From, info.Subject, info.MessageID, info.Hash, len(data), data, received.Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
		}
	}

	logger.Debug("SQLite: message stored", "recipients", len(envelope.Recipients),
		"size", len(data), "hash", info.Hash, "message_id", info.MessageID)
	return nil
}

// CreateUser implements storage.UserAdmin.
func (s *Store) CreateUser(ctx context.Context, user, passwordHash string) (err error) {
	defer metrics.ObserveQuery("create_user", backendName, time.Now(), &err)

	name, err := storage.NormalizeUser(user)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer s.finish(tx, &err)

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE name = ?`, name).Scan(&one)
	if err == nil {
		return consts.ErrUserExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO users (name, password, created_at) VALUES (?, ?, ?)`,
		name, passwordHash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	return nil
}

// SetPassword implements storage.UserAdmin.
func (s *Store) SetPassword(ctx context.Context, user, passwordHash string) (err error) {
	defer metrics.ObserveQuery("set_password", backendName, time.Now(), &err)

	name, err := storage.NormalizeUser(user)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = ? WHERE name = ?`, passwordHash, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

// DeleteUser implements storage.UserAdmin. The user's messages go with it.
func (s *Store) DeleteUser(ctx context.Context, user string) (err error) {
	defer metrics.ObserveQuery("delete_user", backendName, time.Now(), &err)

	name, err := storage.NormalizeUser(user)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer s.finish(tx, &err)

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consts.ErrUserNotFound
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE user_name = ?`, name)
	return err
}

// MetricsStats implements metrics.StatsProvider.
func (s *Store) MetricsStats(ctx context.Context) (*metrics.MetricsStats, error) {
	stats := &metrics.MetricsStats{}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.TotalAccounts); err != nil {
		return nil, err
	}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM messages`).
		Scan(&stats.TotalMessages, &stats.TotalBytes)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// finish commits tx when *errp is nil and rolls it back otherwise.
func (s *Store) finish(tx *sql.Tx, errp *error) {
	if *errp != nil {
		_ = tx.Rollback()
		metrics.DBTransactionsTotal.WithLabelValues(backendName, "rollback").Inc()
		return
	}
	if err := tx.Commit(); err != nil {
		*errp = fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
		metrics.DBTransactionsTotal.WithLabelValues(backendName, "rollback").Inc()
		return
	}
	metrics.DBTransactionsTotal.WithLabelValues(backendName, "commit").Inc()
}
