package bookings

import (
	"errors"
	"fmt"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
)

// RejectionKind classifies why a booking request was refused.
type RejectionKind string

const (
	DateBlocked      RejectionKind = "DATE_BLOCKED"
	SlotBlocked      RejectionKind = "SLOT_BLOCKED"
	TimeConflict     RejectionKind = "TIME_CONFLICT"
	AlreadyScheduled RejectionKind = "ALREADY_SCHEDULED"
	InvalidTime      RejectionKind = "INVALID_TIME"
	ValidationError  RejectionKind = "VALIDATION_ERROR"
)

// ErrAppointmentNotFound is returned when an id does not resolve to an appointment.
var ErrAppointmentNotFound = errors.New("bookings: appointment not found")

// Rejection is an expected refusal: the request was understood but cannot be
// placed on the calendar. It is returned as an error so callers can use
// errors.As, but it never signals an infrastructure failure.
type Rejection struct {
	Kind RejectionKind
	// Reason carries the blocked date/slot reason, if any.
	Reason string
	// ExistingSummary describes the conflicting appointment for TimeConflict.
	ExistingSummary string
	// Field names the offending input for ValidationError.
	Field   string
	Message string
	// Existing is the appointment that already satisfies the request for AlreadyScheduled.
	Existing *calendar.Appointment
}

func (r *Rejection) Error() string {
	switch r.Kind {
	case ValidationError:
		return fmt.Sprintf("bookings: rejected %s: %s: %s", r.Kind, r.Field, r.Message)
	case TimeConflict:
		return fmt.Sprintf("bookings: rejected %s: overlaps %s", r.Kind, r.ExistingSummary)
	default:
		if r.Reason != "" {
			return fmt.Sprintf("bookings: rejected %s: %s", r.Kind, r.Reason)
		}
		return fmt.Sprintf("bookings: rejected %s", r.Kind)
	}
}

// AsRejection unwraps a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func invalidField(field, message string) *Rejection {
	return &Rejection{Kind: ValidationError, Field: field, Message: message}
}

// rejectionFromConflict maps a resolver conflict onto the rejection taxonomy.
func rejectionFromConflict(c *calendar.Conflict) *Rejection {
	switch c.Kind {
	case calendar.ConflictDayBlocked:
		return &Rejection{Kind: DateBlocked, Reason: c.Reason}
	case calendar.ConflictSlotBlocked:
		return &Rejection{Kind: SlotBlocked, Reason: c.Reason, ExistingSummary: c.Summary()}
	default:
		return &Rejection{Kind: TimeConflict, ExistingSummary: c.Summary()}
	}
}

func rejectionFromError(err error) *Rejection {
	var fe *calendar.FieldError
	if errors.As(err, &fe) {
		return invalidField(fe.Field, fe.Message)
	}
	return nil
}
