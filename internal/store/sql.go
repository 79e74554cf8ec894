package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Dialect selects SQL syntax differences between the supported databases.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Options configures Open.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	Now             func() time.Time
}

// DefaultOptions returns pool settings for driver.
func DefaultOptions(driver, dsn string) Options {
	opts := Options{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
	if Dialect(driver) == DialectSQLite {
		opts.MaxOpenConns = 1
		opts.MaxIdleConns = 1
	}
	return opts
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the configured database and verifies it is reachable.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	dialect := Dialect(opts.Driver)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("%w: dsn is required", ErrInvalidInput)
	}
	def := DefaultOptions(opts.Driver, opts.DSN)
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = def.MaxOpenConns
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = def.MaxIdleConns
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewSQLStore(db, dialect)
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *SQLStore) ChannelMembers(ctx context.Context, channelID registry.ChannelID) ([]registry.UserID, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT user_id FROM channel_members WHERE channel_id = ? ORDER BY user_id`),
		int64(channelID))
	if err != nil {
		return nil, fmt.Errorf("query channel members: %w", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

func (s *SQLStore) PersistPresence(ctx context.Context, userID registry.UserID, online bool, lastActivity time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, is_online, last_activity) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET is_online = excluded.is_online, last_activity = excluded.last_activity`),
		int64(userID), online, millis(lastActivity))
	if err != nil {
		return fmt.Errorf("persist presence: %w", err)
	}
	return nil
}

func (s *SQLStore) StaleOnlineUsers(ctx context.Context, cutoff time.Time) ([]registry.UserID, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id FROM users WHERE is_online = ? AND last_activity < ? ORDER BY id`),
		true, millis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query stale users: %w", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

func (s *SQLStore) MarkOffline(ctx context.Context, userIDs []registry.UserID) error {
	if len(userIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(userIDs))
	for i, u := range userIDs {
		ids[i] = int64(u)
	}

	var (
		query string
		args  []any
	)
	if s.dialect == DialectPostgres {
		query = `UPDATE users SET is_online = ? WHERE id = ANY(?)`
		args = []any{false, pq.Array(ids)}
	} else {
		query = `UPDATE users SET is_online = ? WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		args = make([]any, 0, len(ids)+1)
		args = append(args, false)
		for _, id := range ids {
			args = append(args, id)
		}
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("mark users offline: %w", err)
	}
	return nil
}

func (s *SQLStore) PersistMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM channels WHERE id = ?`), int64(msg.ChannelID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %d: %w", msg.ChannelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("check channel: %w", err)
	}

	attachments := msg.Attachments
	if attachments == nil {
		attachments = []json.RawMessage{}
	}
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	createdAt := s.now().UTC().Truncate(time.Millisecond)
	var replyTo sql.NullInt64
	if msg.ReplyToID != nil {
		replyTo = sql.NullInt64{Int64: *msg.ReplyToID, Valid: true}
	}

	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO messages (channel_id, author_id, content, attachments, reply_to_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		int64(msg.ChannelID), int64(msg.AuthorID), msg.Content, string(attJSON), replyTo, millis(createdAt),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return &Message{
		ID:          id,
		ChannelID:   int64(msg.ChannelID),
		AuthorID:    int64(msg.AuthorID),
		Content:     msg.Content,
		Attachments: msg.Attachments,
		ReplyToID:   msg.ReplyToID,
		CreatedAt:   createdAt,
	}, nil
}

// GetMessage loads one message by id.
func (s *SQLStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var (
		m       Message
		att     string
		replyTo sql.NullInt64
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, channel_id, author_id, content, attachments, reply_to_id, created_at
		 FROM messages WHERE id = ?`), id,
	).Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &att, &replyTo, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if att != "" {
		if err := json.Unmarshal([]byte(att), &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
	}
	if replyTo.Valid {
		v := replyTo.Int64
		m.ReplyToID = &v
	}
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

func (s *SQLStore) PersistReaction(ctx context.Context, change ReactionChange) (*Reaction, error) {
	if err := validateReaction(change); err != nil {
		return nil, err
	}
	var channelID int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT channel_id FROM messages WHERE id = ?`), change.MessageID).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", change.MessageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load reacted message: %w", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	if change.Remove {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`),
			change.MessageID, int64(change.UserID), change.Emoji)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (message_id, user_id, emoji) DO NOTHING`),
			change.MessageID, int64(change.UserID), change.Emoji, millis(now))
	}
	if err != nil {
		return nil, fmt.Errorf("persist reaction: %w", err)
	}
	return &Reaction{
		MessageID: change.MessageID,
		ChannelID: registry.ChannelID(channelID),
		UserID:    change.UserID,
		Emoji:     change.Emoji,
		Removed:   change.Remove,
		At:        now,
	}, nil
}

func (s *SQLStore) CreateChannel(ctx context.Context, channelID registry.ChannelID, name string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO channels (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name`),
		int64(channelID), name)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *SQLStore) AddMember(ctx context.Context, channelID registry.ChannelID, userID registry.UserID) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO channel_members (channel_id, user_id) VALUES (?, ?) ON CONFLICT (channel_id, user_id) DO NOTHING`),
		int64(channelID), int64(userID))
	if err != nil {
		return fmt.Errorf("add channel member: %w", err)
	}
	return nil
}

func scanUserIDs(rows *sql.Rows) ([]registry.UserID, error) {
	var out []registry.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, registry.UserID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return out, nil
}
