package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

var appointmentRowColumns = []string{
	"id", "customer_name", "customer_phone", "service", "appointment_date",
	"start_minute", "duration_minutes", "status", "notes", "conversation_id",
	"created_at", "updated_at", "cancelled_at",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *PostgresStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	store := newPostgresStore(mock, logging.Discard(), WithRetryBackoff(0))
	return mock, store
}

func TestPostgresStoreDay(t *testing.T) {
	mock, store := newMockStore(t)
	date := Date{Year: 2025, Month: time.March, Day: 10}
	now := time.Now().UTC()
	apptID := uuid.New()

	mock.ExpectQuery("FROM blocked_dates WHERE blocked_date").WithArgs(date.Time()).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM blocked_time_slots WHERE slot_date").WithArgs(date.Time()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "slot_date", "start_minute", "end_minute", "reason", "created_at"}).
			AddRow(uuid.New(), date.Time(), 720, 780, "lunch", now))
	mock.ExpectQuery("FROM appointments WHERE appointment_date").WithArgs(date.Time()).
		WillReturnRows(pgxmock.NewRows(appointmentRowColumns).
			AddRow(apptID, "Ana", "+15550001111", "cleaning", date.Time(), 600, 60, "CONFIRMED", "", (*uuid.UUID)(nil), now, now, (*time.Time)(nil)))

	day, err := store.Day(context.Background(), date)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if day.Blocked != nil {
		t.Fatalf("expected day not blocked")
	}
	if len(day.Slots) != 1 || day.Slots[0].StartTime != 720 || day.Slots[0].Reason != "lunch" {
		t.Fatalf("unexpected slots %+v", day.Slots)
	}
	if len(day.Appointments) != 1 || day.Appointments[0].ID != apptID || day.Appointments[0].Status != StatusConfirmed {
		t.Fatalf("unexpected appointments %+v", day.Appointments)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreInTxRetriesSerializationFailure(t *testing.T) {
	mock, store := newMockStore(t)
	phone := "+15550001111"

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec("UPDATE appointments").WithArgs(phone, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec("UPDATE appointments").WithArgs(phone, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	attempts := 0
	var cancelled int
	err := store.InTx(context.Background(), func(tx Tx) error {
		attempts++
		var err error
		cancelled, err = tx.CancelLiveByPhone(context.Background(), phone, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 || cancelled != 2 {
		t.Fatalf("expected second attempt to cancel 2, got attempts=%d cancelled=%d", attempts, cancelled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// insertAppointmentArgs matches the twelve placeholders of an appointment insert.
func insertAppointmentArgs() []any {
	args := make([]any, 12)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStoreInTxGivesUpAfterMaxAttempts(t *testing.T) {
	mock, store := newMockStore(t)
	store.maxAttempts = 2

	for i := 0; i < 2; i++ {
		mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
		mock.ExpectExec("INSERT INTO appointments").WithArgs(insertAppointmentArgs()...).
			WillReturnError(&pgconn.PgError{Code: "23P01"})
		mock.ExpectRollback()
	}

	err := store.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertAppointment(context.Background(), &Appointment{
			CustomerName: "Ana", CustomerPhone: "+15550001111", Service: "cleaning",
			Date: Date{Year: 2025, Month: time.March, Day: 10}, StartTime: 600, DurationMinutes: 60, Status: StatusConfirmed,
		})
	})
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected contention error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreInTxDoesNotRetryPlainErrors(t *testing.T) {
	mock, store := newMockStore(t)
	boom := errors.New("rejected")

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreCreateBlockedDateDuplicate(t *testing.T) {
	mock, store := newMockStore(t)
	date := Date{Year: 2025, Month: time.December, Day: 25}

	mock.ExpectExec("INSERT INTO blocked_dates").
		WithArgs(pgxmock.AnyArg(), date.Time(), "holiday", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.CreateBlockedDate(context.Background(), &BlockedDate{Date: date, Reason: "holiday"})
	if !errors.Is(err, ErrDuplicateBlockDate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGetAppointmentNotFound(t *testing.T) {
	mock, store := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("FROM appointments WHERE id").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	if _, err := store.GetAppointment(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStoreListAppointmentsFilters(t *testing.T) {
	mock, store := newMockStore(t)
	from := Date{Year: 2025, Month: time.March, Day: 1}
	to := Date{Year: 2025, Month: time.March, Day: 31}

	mock.ExpectQuery(`appointment_date >= \$1 AND appointment_date <= \$2 AND status = ANY\(\$3\) ORDER BY .* LIMIT \$4`).
		WithArgs(from.Time(), to.Time(), []string{"CONFIRMED"}, 10).
		WillReturnRows(pgxmock.NewRows(appointmentRowColumns))

	appts, err := store.ListAppointments(context.Background(), AppointmentFilter{
		From: from, To: to, Statuses: []Status{StatusConfirmed}, Limit: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(appts) != 0 {
		t.Fatalf("expected no rows, got %d", len(appts))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
