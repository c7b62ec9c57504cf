// Package postgres keeps accounts and messages in PostgreSQL through a pgx
// connection pool. It registers itself under the name "postgres".
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/dewey/config"
	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/helpers"
	"github.com/migadu/dewey/logger"
	"github.com/migadu/dewey/pkg/metrics"
	"github.com/migadu/dewey/pkg/retry"
	"github.com/migadu/dewey/storage"
	"github.com/migadu/dewey/storage/userdb"
)

const backendName = config.StoragePostgres

const schema = `
CREATE TABLE IF NOT EXISTS users (
	name       TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS messages (
	id           BIGSERIAL PRIMARY KEY,
	user_name    TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
	sender       TEXT NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	message_id   TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	size         BIGINT NOT NULL,
	body         BYTEA NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_name, id);
`

func init() {
	storage.Register(backendName, func(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres: storage.dsn is required")
		}
		return Open(ctx, cfg.DSN, cfg.MaxConns)
	})
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and creates the schema if it is missing.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	err = retry.WithRetry(ctx, retry.DefaultBackoffConfig(), func() error {
		err := pool.Ping(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// The server answered; a login or catalog error will not go away.
			return retry.Stop(err)
		}
		return err
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("PostgreSQL store connected", "host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database, "max_conns", poolConfig.MaxConns)
	return &Store{pool: pool}, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// StartPoolMetrics periodically publishes pool statistics until ctx ends.
func (s *Store) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
				metrics.DBPoolInUseConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

// UserExists implements storage.UserValidator.
func (s *Store) UserExists(ctx context.Context, user string) (ok bool, err error) {
	defer metrics.ObserveQuery("user_exists", backendName, time.Now(), &err)

	name, nerr := storage.NormalizeUser(user)
	if nerr != nil {
		return false, nil
	}
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE name = $1)`, name).Scan(&ok)
	return ok, err
}

// Authenticate implements storage.Authenticator.
func (s *Store) Authenticate(ctx context.Context, user, password string) (err error) {
	defer metrics.ObserveQuery("authenticate", backendName, time.Now(), &err)

	name, nerr := storage.NormalizeUser(user)
	if nerr != nil {
		return consts.ErrAuthFailed
	}
	var hash string
	err = s.pool.QueryRow(ctx, `SELECT password FROM users WHERE name = $1`, name).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
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

// ListMessages implements storage.MailboxStore.
func (s *Store) ListMessages(ctx context.Context, user string) (msgs []storage.Message, err error) {
	defer metrics.ObserveQuery("list_messages", backendName, time.Now(), &err)

	name, err := storage.NormalizeUser(user)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id, size FROM messages WHERE user_name = $1 ORDER BY id`, name)
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
	err = s.pool.QueryRow(ctx, `SELECT body FROM messages WHERE id = $1 AND user_name = $2`, id, name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// ExpungeMessages implements storage.MailboxStore.
func (s *Store) ExpungeMessages(ctx context.Context, user string, msgs []storage.Message) (err error) {
	defer metrics.ObserveQuery("expunge_messages", backendName, time.Now(), &err)

	if len(msgs) == 0 {
		return nil
	}
	name, err := storage.NormalizeUser(user)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		if id, perr := strconv.ParseInt(msg.ID, 10, 64); perr == nil {
			ids = append(ids, id)
		}
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE user_name = $1 AND id = ANY($2)`, name, ids)
	if err != nil {
		return err
	}
	logger.Debug("PostgreSQL: messages expunged", "user", name, "requested", len(ids), "deleted", tag.RowsAffected())
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer finish(ctx, tx, &err)

	for _, rcpt := range envelope.Recipients {
		name, nerr := storage.NormalizeUser(rcpt)
		if nerr != nil {
			return fmt.Errorf("%s: %w", rcpt, nerr)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (user_name, sender, subject, message_id, content_hash, size, body, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			name, helpers.SanitizeUTF8(envelope.From), helpers.SanitizeUTF8(info.Subject),
			helpers.SanitizeUTF8(info.MessageID), info.Hash, len(data), data, received)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
				return fmt.Errorf("%s: %w", rcpt, consts.ErrUserNotFound)
			}
			return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
		}
	}
	return nil
}

// CreateUser implements storage.UserAdmin.
func (s *Store) CreateUser(ctx context.Context, user, passwordHash string) (err error) {
	defer metrics.ObserveQuery("create_user", backendName, time.Now(), &err)

	name, err := storage.NormalizeUser(user)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO users (name, password) VALUES ($1, $2)`, name, passwordHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return consts.ErrUserExists
		}
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
	tag, err := s.pool.Exec(ctx, `UPDATE users SET password = $1 WHERE name = $2`, passwordHash, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

// DeleteUser implements storage.UserAdmin. Messages are removed by the
// foreign key cascade.
func (s *Store) DeleteUser(ctx context.Context, user string) (err error) {
	defer metrics.ObserveQuery("delete_user", backendName, time.Now(), &err)

	name, err := storage.NormalizeUser(user)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

// MetricsStats implements metrics.StatsProvider.
func (s *Store) MetricsStats(ctx context.Context) (*metrics.MetricsStats, error) {
	stats := &metrics.MetricsStats{}
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM users), COUNT(*), COALESCE(SUM(size), 0)::BIGINT FROM messages`).
		Scan(&stats.TotalAccounts, &stats.TotalMessages, &stats.TotalBytes)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func finish(ctx context.Context, tx pgx.Tx, errp *error) {
	if *errp != nil {
		_ = tx.Rollback(ctx)
		metrics.DBTransactionsTotal.WithLabelValues(backendName, "rollback").Inc()
		return
	}
	if err := tx.Commit(ctx); err != nil {
		*errp = fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
		metrics.DBTransactionsTotal.WithLabelValues(backendName, "rollback").Inc()
		return
	}
	metrics.DBTransactionsTotal.WithLabelValues(backendName, "commit").Inc()
}
