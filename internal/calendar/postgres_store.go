package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

var calendarTracer = otel.Tracer("clinicbooking.internal.calendar")

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgExclusionViolation   = "23P01"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore persists the calendar in Postgres. Writes run as SERIALIZABLE
// transactions; the schema's exclusion and unique constraints back them up.
type PostgresStore struct {
	pool        txBeginner
	logger      *logging.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithMaxAttempts bounds how many times a transaction is retried after a
// serialization failure.
func WithMaxAttempts(n int) PostgresOption {
	return func(s *PostgresStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the base pause between attempts.
func WithRetryBackoff(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

// NewPostgresStore creates a store backed by a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *logging.Logger, opts ...PostgresOption) *PostgresStore {
	if pool == nil {
		panic("calendar: pgx pool required")
	}
	return newPostgresStore(pool, logger, opts...)
}

func newPostgresStore(pool txBeginner, logger *logging.Logger, opts ...PostgresOption) *PostgresStore {
	if pool == nil {
		panic("calendar: pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &PostgresStore{
		pool:        pool,
		logger:      logger,
		maxAttempts: 3,
		backoff:     20 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	ctx, span := calendarTracer.Start(ctx, "calendar.tx")
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			span.SetAttributes(attribute.Int("calendar.tx.attempts", attempt))
			return nil
		}
		if !isRetryable(err) {
			span.RecordError(err)
			return err
		}
		lastErr = err
		s.logger.Warn("calendar transaction lost a race, retrying", "attempt", attempt, "error", err)

		if attempt < s.maxAttempts && s.backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}
	}
	span.RecordError(lastErr)
	return fmt.Errorf("%w: %v", ErrContention, lastErr)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("calendar: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{q: tx, now: s.now}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("calendar: commit: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation, pgExclusionViolation:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *PostgresStore) Day(ctx context.Context, date Date) (Day, error) {
	return loadDay(ctx, s.pool, date)
}

func (s *PostgresStore) GetAppointment(ctx context.Context, id uuid.UUID) (Appointment, error) {
	return getAppointment(ctx, s.pool, id)
}

func (s *PostgresStore) LiveAppointmentsByPhone(ctx context.Context, phone string) ([]Appointment, error) {
	return liveByPhone(ctx, s.pool, phone)
}

func (s *PostgresStore) ConversationAppointment(ctx context.Context, conversationID uuid.UUID) (*Appointment, error) {
	return conversationAppointment(ctx, s.pool, conversationID)
}

func (s *PostgresStore) Days(ctx context.Context, from, to Date) ([]Day, error) {
	if to.Before(from) {
		return nil, nil
	}
	byDate := make(map[Date]*Day)
	var days []Day
	for d := from; !d.After(to); d = d.AddDays(1) {
		days = append(days, Day{Date: d})
	}
	for i := range days {
		byDate[days[i].Date] = &days[i]
	}

	blocked, err := s.ListBlockedDates(ctx, from, to)
	if err != nil {
		return nil, err
	}
	for _, b := range blocked {
		b := b
		byDate[b.Date].Blocked = &b
	}

	slots, err := s.ListBlockedSlots(ctx, from, to)
	if err != nil {
		return nil, err
	}
	for _, slot := range slots {
		byDate[slot.Date].Slots = append(byDate[slot.Date].Slots, slot)
	}

	appts, err := s.ListAppointments(ctx, AppointmentFilter{From: from, To: to, Statuses: OccupyingStatuses})
	if err != nil {
		return nil, err
	}
	for _, a := range appts {
		byDate[a.Date].Appointments = append(byDate[a.Date].Appointments, a)
	}
	return days, nil
}

func (s *PostgresStore) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("appointment_date >= $%d", f.From.Time())
	}
	if !f.To.IsZero() {
		add("appointment_date <= $%d", f.To.Time())
	}
	if f.Phone != "" {
		add("customer_phone = $%d", f.Phone)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}

	query := "SELECT " + appointmentColumns + " FROM appointments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY appointment_date, start_minute, created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return queryAppointments(ctx, s.pool, "list appointments", query, args...)
}

func (s *PostgresStore) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("calendar: delete appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateBlockedDate(ctx context.Context, b *BlockedDate) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = s.now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocked_dates (id, blocked_date, reason, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
	`, b.ID, b.Date.Time(), b.Reason, b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBlockDate
		}
		return fmt.Errorf("calendar: insert blocked date: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBlockedDates(ctx context.Context, from, to Date) ([]BlockedDate, error) {
	query, args := rangeQuery(`SELECT id, blocked_date, COALESCE(reason, ''), created_at FROM blocked_dates`, "blocked_date", from, to, "blocked_date")
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calendar: list blocked dates: %w", err)
	}
	defer rows.Close()

	var out []BlockedDate
	for rows.Next() {
		b, err := scanBlockedDate(rows)
		if err != nil {
			return nil, fmt.Errorf("calendar: scan blocked date: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calendar: list blocked dates: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteBlockedDate(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM blocked_dates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("calendar: delete blocked date: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateBlockedSlot(ctx context.Context, slot *BlockedTimeSlot) error {
	if err := slot.Validate(); err != nil {
		return err
	}
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	slot.CreatedAt = s.now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocked_time_slots (id, slot_date, start_minute, end_minute, reason, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, slot.ID, slot.Date.Time(), int(slot.StartTime), int(slot.EndTime), slot.Reason, slot.CreatedAt)
	if err != nil {
		return fmt.Errorf("calendar: insert blocked slot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBlockedSlots(ctx context.Context, from, to Date) ([]BlockedTimeSlot, error) {
	query, args := rangeQuery(`SELECT id, slot_date, start_minute, end_minute, COALESCE(reason, ''), created_at FROM blocked_time_slots`, "slot_date", from, to, "slot_date, start_minute")
	return querySlots(ctx, s.pool, query, args...)
}

func (s *PostgresStore) DeleteBlockedSlot(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM blocked_time_slots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("calendar: delete blocked slot: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func rangeQuery(base, column string, from, to Date, order string) (string, []any) {
	var (
		where []string
		args  []any
	)
	if !from.IsZero() {
		args = append(args, from.Time())
		where = append(where, fmt.Sprintf("%s >= $%d", column, len(args)))
	}
	if !to.IsZero() {
		args = append(args, to.Time())
		where = append(where, fmt.Sprintf("%s <= $%d", column, len(args)))
	}
	if len(where) > 0 {
		base += " WHERE " + strings.Join(where, " AND ")
	}
	return base + " ORDER BY " + order, args
}

type pgTx struct {
	q   querier
	now func() time.Time
}

func (t *pgTx) Day(ctx context.Context, date Date) (Day, error) { return loadDay(ctx, t.q, date) }

func (t *pgTx) GetAppointment(ctx context.Context, id uuid.UUID) (Appointment, error) {
	return getAppointment(ctx, t.q, id)
}

func (t *pgTx) LiveAppointmentsByPhone(ctx context.Context, phone string) ([]Appointment, error) {
	return liveByPhone(ctx, t.q, phone)
}

func (t *pgTx) ConversationAppointment(ctx context.Context, conversationID uuid.UUID) (*Appointment, error) {
	return conversationAppointment(ctx, t.q, conversationID)
}

func (t *pgTx) InsertAppointment(ctx context.Context, appt *Appointment) error {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	now := t.now().UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments (
			id, customer_name, customer_phone, service, appointment_date,
			start_minute, duration_minutes, status, notes, conversation_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
	`, appt.ID, appt.CustomerName, appt.CustomerPhone, appt.Service, appt.Date.Time(),
		int(appt.StartTime), appt.DurationMinutes, string(appt.Status), appt.Notes, appt.ConversationID,
		now, now)
	if err != nil {
		return fmt.Errorf("calendar: insert appointment: %w", err)
	}
	return nil
}

func (t *pgTx) CancelLiveByPhone(ctx context.Context, phone string, at time.Time) (int, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET status = 'CANCELLED', cancelled_at = $2, updated_at = $2
		WHERE customer_phone = $1 AND status IN ('PENDING', 'CONFIRMED')
	`, phone, at)
	if err != nil {
		return 0, fmt.Errorf("calendar: cancel live appointments: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (t *pgTx) UpdateAppointment(ctx context.Context, appt *Appointment) error {
	appt.UpdatedAt = t.now().UTC()
	ct, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET customer_name = $2, customer_phone = $3, service = $4, appointment_date = $5,
			start_minute = $6, duration_minutes = $7, status = $8, notes = NULLIF($9, ''),
			cancelled_at = $10, updated_at = $11
		WHERE id = $1
	`, appt.ID, appt.CustomerName, appt.CustomerPhone, appt.Service, appt.Date.Time(),
		int(appt.StartTime), appt.DurationMinutes, string(appt.Status), appt.Notes,
		appt.CancelledAt, appt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("calendar: update appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const appointmentColumns = `id, customer_name, customer_phone, service, appointment_date,
	start_minute, duration_minutes, status, COALESCE(notes, ''), conversation_id,
	created_at, updated_at, cancelled_at`

func loadDay(ctx context.Context, q querier, date Date) (Day, error) {
	day := Day{Date: date}

	row := q.QueryRow(ctx, `SELECT id, blocked_date, COALESCE(reason, ''), created_at FROM blocked_dates WHERE blocked_date = $1`, date.Time())
	b, err := scanBlockedDate(row)
	switch {
	case err == nil:
		day.Blocked = &b
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return Day{}, fmt.Errorf("calendar: load blocked date: %w", err)
	}

	day.Slots, err = querySlots(ctx, q, `SELECT id, slot_date, start_minute, end_minute, COALESCE(reason, ''), created_at FROM blocked_time_slots WHERE slot_date = $1 ORDER BY start_minute`, date.Time())
	if err != nil {
		return Day{}, err
	}

	day.Appointments, err = queryAppointments(ctx, q, "load day", `SELECT `+appointmentColumns+` FROM appointments WHERE appointment_date = $1 AND status <> 'CANCELLED' ORDER BY start_minute, created_at`, date.Time())
	if err != nil {
		return Day{}, err
	}
	return day, nil
}

func getAppointment(ctx context.Context, q querier, id uuid.UUID) (Appointment, error) {
	row := q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, fmt.Errorf("calendar: get appointment: %w", err)
	}
	return appt, nil
}

func liveByPhone(ctx context.Context, q querier, phone string) ([]Appointment, error) {
	return queryAppointments(ctx, q, "live by phone", `SELECT `+appointmentColumns+` FROM appointments WHERE customer_phone = $1 AND status IN ('PENDING', 'CONFIRMED') ORDER BY appointment_date, start_minute`, phone)
}

func conversationAppointment(ctx context.Context, q querier, conversationID uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE conversation_id = $1 AND status <> 'CANCELLED' LIMIT 1`, conversationID)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("calendar: conversation appointment: %w", err)
	}
	return &appt, nil
}

func queryAppointments(ctx context.Context, q querier, action, query string, args ...any) ([]Appointment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calendar: %s: %w", action, err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("calendar: %s: scan: %w", action, err)
		}
		out = append(out, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calendar: %s: %w", action, err)
	}
	return out, nil
}

func querySlots(ctx context.Context, q querier, query string, args ...any) ([]BlockedTimeSlot, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calendar: list blocked slots: %w", err)
	}
	defer rows.Close()

	var out []BlockedTimeSlot
	for rows.Next() {
		var (
			slot       BlockedTimeSlot
			day        time.Time
			start, end int
		)
		if err := rows.Scan(&slot.ID, &day, &start, &end, &slot.Reason, &slot.CreatedAt); err != nil {
			return nil, fmt.Errorf("calendar: scan blocked slot: %w", err)
		}
		slot.Date = DateOf(day)
		slot.StartTime = Clock(start)
		slot.EndTime = Clock(end)
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calendar: list blocked slots: %w", err)
	}
	return out, nil
}

func scanBlockedDate(row pgx.Row) (BlockedDate, error) {
	var (
		b   BlockedDate
		day time.Time
	)
	if err := row.Scan(&b.ID, &day, &b.Reason, &b.CreatedAt); err != nil {
		return BlockedDate{}, err
	}
	b.Date = DateOf(day)
	return b, nil
}

func scanAppointment(row pgx.Row) (Appointment, error) {
	var (
		a        Appointment
		day      time.Time
		start    int
		status   string
		convID   *uuid.UUID
		canceled *time.Time
	)
	if err := row.Scan(&a.ID, &a.CustomerName, &a.CustomerPhone, &a.Service, &day,
		&start, &a.DurationMinutes, &status, &a.Notes, &convID,
		&a.CreatedAt, &a.UpdatedAt, &canceled); err != nil {
		return Appointment{}, err
	}
	a.Date = DateOf(day)
	a.StartTime = Clock(start)
	a.Status = Status(status)
	a.ConversationID = convID
	a.CancelledAt = canceled
	return a, nil
}
