package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("calendar: not found")
	ErrDuplicateBlockDate = errors.New("calendar: date already blocked")
	// ErrContention is returned when a write transaction kept losing to
	// concurrent writers and ran out of retries.
	ErrContention = errors.New("calendar: too much contention, try again")
)

// Reader exposes the reads the booking rules depend on.
type Reader interface {
	Day(ctx context.Context, date Date) (Day, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (Appointment, error)
	LiveAppointmentsByPhone(ctx context.Context, phone string) ([]Appointment, error)
	// ConversationAppointment returns the non-cancelled appointment created
	// from the conversation, or nil.
	ConversationAppointment(ctx context.Context, conversationID uuid.UUID) (*Appointment, error)
}

// Tx is a serializable unit of work against the calendar.
type Tx interface {
	Reader
	InsertAppointment(ctx context.Context, appt *Appointment) error
	// CancelLiveByPhone cancels every PENDING/CONFIRMED appointment for the
	// phone and returns how many were cancelled.
	CancelLiveByPhone(ctx context.Context, phone string, at time.Time) (int, error)
	UpdateAppointment(ctx context.Context, appt *Appointment) error
}

// AppointmentFilter narrows ListAppointments. Zero values mean no filter.
type AppointmentFilter struct {
	From     Date
	To       Date
	Statuses []Status
	Phone    string
	Limit    int
	Offset   int
}

// Store is the durable calendar.
type Store interface {
	Reader
	// InTx runs fn in one serializable transaction, re-running it when the
	// database reports a serialization failure. fn must be safe to repeat.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Days(ctx context.Context, from, to Date) ([]Day, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	CreateBlockedDate(ctx context.Context, b *BlockedDate) error
	ListBlockedDates(ctx context.Context, from, to Date) ([]BlockedDate, error)
	DeleteBlockedDate(ctx context.Context, id uuid.UUID) error

	CreateBlockedSlot(ctx context.Context, s *BlockedTimeSlot) error
	ListBlockedSlots(ctx context.Context, from, to Date) ([]BlockedTimeSlot, error)
	DeleteBlockedSlot(ctx context.Context, id uuid.UUID) error
}
