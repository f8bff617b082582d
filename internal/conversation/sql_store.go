package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

var storeTracer = otel.Tracer("clinicbooking.internal.conversation.store")

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	appendAttempts        = 3
)

// SQLStore persists conversations in PostgreSQL through database/sql.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB) *SQLStore {
	if db == nil {
		panic("conversation: sql db required")
	}
	return &SQLStore{db: db, now: time.Now}
}

const conversationColumns = `id, phone_number, status, context, created_at, updated_at`

func (s *SQLStore) GetOrCreateActive(ctx context.Context, phone string) (*Conversation, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.get_or_create")
	defer span.End()

	for attempt := 0; attempt < appendAttempts; attempt++ {
		c, err := s.activeByPhone(ctx, phone)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			span.RecordError(err)
			return nil, fmt.Errorf("conversation: load active: %w", err)
		}

		now := s.now().UTC()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, phone_number, status, context, created_at, updated_at)
			VALUES ($1, $2, 'ACTIVE', '{}'::jsonb, $3, $3)
			ON CONFLICT (phone_number) WHERE status = 'ACTIVE' DO NOTHING
		`, uuid.New(), phone, now)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("conversation: create: %w", err)
		}
	}
	return nil, fmt.Errorf("conversation: no active conversation for %s after %d attempts", phone, appendAttempts)
}

func (s *SQLStore) activeByPhone(ctx context.Context, phone string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE phone_number = $1 AND status = 'ACTIVE'`,
		phone,
	)
	return scanConversation(row)
}

func (s *SQLStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, role Role, content string) (*Message, error) {
	if !validRole(role) {
		return nil, ErrInvalidRole
	}
	ctx, span := storeTracer.Start(ctx, "conversation.append_message")
	defer span.End()

	msg := Message{ID: uuid.New(), ConversationID: conversationID, Role: role, Content: content}
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		msg.CreatedAt = s.now().UTC()
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO conversation_messages (id, conversation_id, seq, role, content, created_at)
			SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5
			FROM conversation_messages WHERE conversation_id = $2
			RETURNING seq
		`, msg.ID, conversationID, string(role), content, msg.CreatedAt).Scan(&msg.Seq)
		if err == nil {
			break
		}
		if pgCode(err) == pgForeignKeyViolation {
			return nil, ErrConversationNotFound
		}
		// a concurrent append took the same seq
		if pgCode(err) != pgUniqueViolation {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: append message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE id = $1`,
		conversationID, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("conversation: touch conversation: %w", err)
	}
	return &msg, nil
}

func (s *SQLStore) UpdateContext(ctx context.Context, conversationID uuid.UUID, partial Context) (merged Context, err error) {
	ctx, span := storeTracer.Start(ctx, "conversation.update_context")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Context{}, fmt.Errorf("conversation: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var raw []byte
	if err = tx.QueryRowContext(ctx,
		`SELECT context FROM conversations WHERE id = $1 FOR UPDATE`, conversationID,
	).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
			return Context{}, err
		}
		return Context{}, fmt.Errorf("conversation: load context: %w", err)
	}
	var current Context
	if len(raw) > 0 {
		if err = json.Unmarshal(raw, &current); err != nil {
			return Context{}, fmt.Errorf("conversation: decode context: %w", err)
		}
	}
	merged = current.Merge(partial)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return Context{}, fmt.Errorf("conversation: encode context: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE conversations SET context = $2, updated_at = $3 WHERE id = $1`,
		conversationID, encoded, s.now().UTC(),
	); err != nil {
		return Context{}, fmt.Errorf("conversation: update context: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return Context{}, fmt.Errorf("conversation: commit context: %w", err)
	}
	return merged, nil
}

func (s *SQLStore) History(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.history")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: load history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate history: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, conversationID uuid.UUID) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, conversationID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return c, nil
}

func (s *SQLStore) Close(ctx context.Context, conversationID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'CLOSED', updated_at = $2 WHERE id = $1`,
		conversationID, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("conversation: close: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation: close: %w", err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, f ListFilter) ([]Summary, error) {
	var (
		where []string
		args  []any
	)
	if f.Phone != "" {
		args = append(args, f.Phone)
		where = append(where, fmt.Sprintf("c.phone_number = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("c.status = ANY($%d)", len(args)))
	}
	query := `
		SELECT c.id, c.phone_number, c.status, c.context, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM conversation_messages m WHERE m.conversation_id = c.id)
		FROM conversations c`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.updated_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum    Summary
			status string
			raw    []byte
		)
		if err := rows.Scan(&sum.ID, &sum.PhoneNumber, &status, &raw, &sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("conversation: scan summary: %w", err)
		}
		sum.Status = Status(status)
		if err := decodeContext(raw, &sum.Context); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate list: %w", err)
	}
	return out, nil
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c      Conversation
		status string
		raw    []byte
	)
	if err := row.Scan(&c.ID, &c.PhoneNumber, &status, &raw, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if err := decodeContext(raw, &c.Context); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeContext(raw []byte, dst *Context) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("conversation: decode context: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
