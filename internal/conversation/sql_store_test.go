package conversation

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sqlTestNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newSQLTestStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db)
	s.now = func() time.Time { return sqlTestNow }
	return s, mock
}

func conversationRows(id uuid.UUID, phone, status, ctxJSON string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "phone_number", "status", "context", "created_at", "updated_at"}).
		AddRow(id.String(), phone, status, ctxJSON, sqlTestNow, sqlTestNow)
}

func TestSQLStoreGetOrCreateActiveReturnsExisting(t *testing.T) {
	s, mock := newSQLTestStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversations WHERE phone_number = $1 AND status = 'ACTIVE'`)).
		WithArgs("+15550001").
		WillReturnRows(conversationRows(id, "+15550001", "ACTIVE", `{"customerName":"Ana"}`))

	c, err := s.GetOrCreateActive(context.Background(), "+15550001")
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, "Ana", c.Context.CustomerName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetOrCreateActiveInsertsThenReads(t *testing.T) {
	s, mock := newSQLTestStore(t)
	id := uuid.New()
	active := regexp.QuoteMeta(`FROM conversations WHERE phone_number = $1 AND status = 'ACTIVE'`)

	mock.ExpectQuery(active).WithArgs("+15550001").
		WillReturnRows(sqlmock.NewRows([]string{"id", "phone_number", "status", "context", "created_at", "updated_at"}))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (phone_number) WHERE status = 'ACTIVE' DO NOTHING`)).
		WithArgs(sqlmock.AnyArg(), "+15550001", sqlTestNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(active).WithArgs("+15550001").
		WillReturnRows(conversationRows(id, "+15550001", "ACTIVE", `{}`))

	c, err := s.GetOrCreateActive(context.Background(), "+15550001")
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.True(t, c.Context.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendMessageRetriesOnSequenceCollision(t *testing.T) {
	s, mock := newSQLTestStore(t)
	id := uuid.New()
	insert := regexp.QuoteMeta(`INSERT INTO conversation_messages`)

	mock.ExpectQuery(insert).
		WithArgs(sqlmock.AnyArg(), id, "USER", "hello", sqlTestNow).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(insert).
		WithArgs(sqlmock.AnyArg(), id, "USER", "hello", sqlTestNow).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conversations SET updated_at = $2 WHERE id = $1`)).
		WithArgs(id, sqlTestNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg, err := s.AppendMessage(context.Background(), id, RoleUser, "hello")
	require.NoError(t, err)
	assert.Equal(t, 4, msg.Seq)
	assert.Equal(t, RoleUser, msg.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendMessageUnknownConversation(t *testing.T) {
	s, mock := newSQLTestStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO conversation_messages`)).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	_, err := s.AppendMessage(context.Background(), uuid.New(), RoleAssistant, "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendMessageRejectsRoleWithoutQuery(t *testing.T) {
	s, mock := newSQLTestStore(t)
	_, err := s.AppendMessage(context.Background(), uuid.New(), Role("SYSTEM"), "hi")
	assert.ErrorIs(t, err, ErrInvalidRole)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreUpdateContextMerges(t *testing.T) {
	s, mock := newSQLTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT context FROM conversations WHERE id = $1 FOR UPDATE`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"context"}).AddRow(`{"customerName":"Ana","service":"Cleaning"}`))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conversations SET context = $2, updated_at = $3 WHERE id = $1`)).
		WithArgs(id, []byte(`{"customerName":"Ana","service":"Cleaning","date":"2026-03-03"}`), sqlTestNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	merged, err := s.UpdateContext(context.Background(), id, Context{Date: "2026-03-03", Service: ""})
	require.NoError(t, err)
	assert.Equal(t, Context{CustomerName: "Ana", Service: "Cleaning", Date: "2026-03-03"}, merged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreUpdateContextMissingRollsBack(t *testing.T) {
	s, mock := newSQLTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT context FROM conversations`)).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.UpdateContext(context.Background(), id, Context{Date: "2026-03-03"})
	assert.ErrorIs(t, err, ErrConversationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreHistoryOrdersBySeq(t *testing.T) {
	s, mock := newSQLTestStore(t)
	id := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "conversation_id", "seq", "role", "content", "created_at"}).
		AddRow(uuid.NewString(), id.String(), 1, "USER", "hi", sqlTestNow).
		AddRow(uuid.NewString(), id.String(), 2, "ASSISTANT", "hello", sqlTestNow)
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY seq ASC`)).WithArgs(id).WillReturnRows(rows)

	history, err := s.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Seq)
	assert.Equal(t, RoleAssistant, history[1].Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetAndCloseNotFound(t *testing.T) {
	s, mock := newSQLTestStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversations WHERE id = $1`)).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conversations SET status = 'CLOSED'`)).
		WithArgs(id, sqlTestNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.ErrorIs(t, s.Close(context.Background(), id), ErrConversationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreListBuildsFilters(t *testing.T) {
	s, mock := newSQLTestStore(t)
	id := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "phone_number", "status", "context", "created_at", "updated_at", "count"}).
		AddRow(id.String(), "+15550001", "CLOSED", `{"service":"Cleaning"}`, sqlTestNow, sqlTestNow, int64(6))
	mock.ExpectQuery(`WHERE c\.phone_number = \$1 AND c\.status = ANY\(\$2\) ORDER BY c\.updated_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("+15550001", pq.Array([]string{"CLOSED"}), 10, 20).
		WillReturnRows(rows)

	out, err := s.List(context.Background(), ListFilter{
		Phone:    "+15550001",
		Statuses: []Status{StatusClosed},
		Limit:    10,
		Offset:   20,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 6, out[0].MessageCount)
	assert.Equal(t, "Cleaning", out[0].Context.Service)
	require.NoError(t, mock.ExpectationsWereMet())
}
