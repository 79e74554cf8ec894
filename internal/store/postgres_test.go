package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db, DialectPostgres)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	return mock, s
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	lite := &SQLStore{dialect: DialectSQLite}
	q := `SELECT a FROM t WHERE x = ? AND y IN (?, ?)`

	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgresMarkOfflineUsesArray(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET is_online = $1 WHERE id = ANY($2)`)).
		WithArgs(false, pq.Array([]int64{4, 9})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.MarkOffline(context.Background(), []registry.UserID{4, 9}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPersistPresence(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "upsert",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (id, is_online, last_activity) VALUES ($1, $2, $3)`)).
					WithArgs(int64(7), true, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO users").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, s := setupMockDB(t)
			tt.setupMock(mock)

			err := s.PersistPresence(context.Background(), 7, true, time.Now())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "persist presence")
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStaleOnlineUsers(t *testing.T) {
	mock, s := setupMockDB(t)
	cutoff := time.Date(2026, 5, 1, 9, 59, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM users WHERE is_online = $1 AND last_activity < $2`)).
		WithArgs(true, cutoff.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)).AddRow(int64(8)))

	users, err := s.StaleOnlineUsers(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []registry.UserID{2, 8}, users)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPersistMessage(t *testing.T) {
	t.Run("unknown channel", func(t *testing.T) {
		mock, s := setupMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM channels WHERE id = $1`)).
			WithArgs(int64(3)).
			WillReturnError(sql.ErrNoRows)

		_, err := s.PersistMessage(context.Background(), NewMessage{ChannelID: 3, AuthorID: 1, Content: "x"})
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert returns id", func(t *testing.T) {
		mock, s := setupMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM channels WHERE id = $1`)).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO messages`)).
			WithArgs(int64(3), int64(1), "hello", "[]", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		msg, err := s.PersistMessage(context.Background(), NewMessage{ChannelID: 3, AuthorID: 1, Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, int64(42), msg.ID)
		assert.Equal(t, int64(3), msg.ChannelID)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresPersistReactionResolvesChannel(t *testing.T) {
	mock, s := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT channel_id FROM messages WHERE id = $1`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"channel_id"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`)).
		WithArgs(int64(42), int64(1), "🔥").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r, err := s.PersistReaction(context.Background(), ReactionChange{MessageID: 42, UserID: 1, Emoji: "🔥", Remove: true})
	require.NoError(t, err)
	assert.Equal(t, registry.ChannelID(3), r.ChannelID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	mock, s := setupMockDB(t)
	for range postgresSchema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
