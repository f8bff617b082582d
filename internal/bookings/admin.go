package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
)

// AdminCreateRequest is a staff-entered booking. Status defaults to CONFIRMED.
type AdminCreateRequest struct {
	BookingRequest
	Status calendar.Status
}

// AdminCreate books on behalf of a customer. It obeys the same conflict and
// replacement rules as conversational bookings but allows past dates.
func (m *Manager) AdminCreate(ctx context.Context, req AdminCreateRequest) (*Booking, error) {
	status := req.Status
	if status == "" {
		status = calendar.StatusConfirmed
	}
	return m.create(ctx, req.BookingRequest, createOptions{
		op:              "admin_create",
		status:          status,
		defaultDuration: m.cfg.AdminDefaultDurationMinutes,
	})
}

// AppointmentPatch holds the fields an admin update may change. Nil means unchanged.
type AppointmentPatch struct {
	CustomerName    *string
	CustomerPhone   *string
	Service         *string
	Date            *calendar.Date
	StartTime       *calendar.Clock
	DurationMinutes *int
	Status          *calendar.Status
	Notes           *string
}

// AdminUpdate applies a patch, re-running conflict detection against the rest
// of the calendar whenever the appointment's time or liveness changes.
func (m *Manager) AdminUpdate(ctx context.Context, id uuid.UUID, patch AppointmentPatch) (result *calendar.Appointment, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.admin_update")
	defer span.End()
	started := m.now()
	defer func() { m.observe("admin_update", started, err) }()

	var updated calendar.Appointment
	err = m.store.InTx(ctx, func(tx calendar.Tx) error {
		before, err := m.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		appt := before
		if rej := applyPatch(&appt, patch); rej != nil {
			return rej
		}
		if appt.Status == calendar.StatusCancelled && before.Status != calendar.StatusCancelled {
			at := m.now().UTC()
			appt.CancelledAt = &at
		}
		if appt.Status != calendar.StatusCancelled {
			appt.CancelledAt = nil
		}

		rescheduled := appt.Date != before.Date || appt.StartTime != before.StartTime || appt.DurationMinutes != before.DurationMinutes
		revived := appt.Status != calendar.StatusCancelled && before.Status == calendar.StatusCancelled
		if rescheduled || revived {
			cand := calendar.Candidate{Date: appt.Date, StartTime: appt.StartTime, DurationMinutes: appt.DurationMinutes}
			if err := cand.Validate(); err != nil {
				return rejectionFromError(err)
			}
			if appt.Status != calendar.StatusCancelled {
				day, err := tx.Day(ctx, appt.Date)
				if err != nil {
					return err
				}
				if conflict := calendar.Resolve(cand, day, appt.ID); conflict != nil {
					return rejectionFromConflict(conflict)
				}
			}
		}

		if appt.Status.Live() && (!before.Status.Live() || appt.CustomerPhone != before.CustomerPhone) {
			live, err := tx.LiveAppointmentsByPhone(ctx, appt.CustomerPhone)
			if err != nil {
				return err
			}
			for _, other := range live {
				if other.ID != appt.ID {
					return invalidField("customerPhone", "customer already has a live appointment")
				}
			}
		}

		if err := tx.UpdateAppointment(ctx, &appt); err != nil {
			return err
		}
		updated = appt
		return nil
	})
	if err != nil {
		if !isExpected(err) {
			span.RecordError(err)
		}
		return nil, err
	}
	m.logger.Info("appointment updated by admin", "appointment_id", id, "status", updated.Status)
	return &updated, nil
}

func applyPatch(appt *calendar.Appointment, p AppointmentPatch) *Rejection {
	if p.CustomerName != nil {
		if appt.CustomerName = strings.TrimSpace(*p.CustomerName); appt.CustomerName == "" {
			return invalidField("customerName", "name is required")
		}
	}
	if p.CustomerPhone != nil {
		if appt.CustomerPhone = strings.TrimSpace(*p.CustomerPhone); appt.CustomerPhone == "" {
			return invalidField("customerPhone", "phone is required")
		}
	}
	if p.Service != nil {
		if appt.Service = strings.TrimSpace(*p.Service); appt.Service == "" {
			return invalidField("service", "service is required")
		}
	}
	if p.Date != nil {
		appt.Date = *p.Date
	}
	if p.StartTime != nil {
		appt.StartTime = *p.StartTime
	}
	if p.DurationMinutes != nil {
		appt.DurationMinutes = *p.DurationMinutes
	}
	if p.Status != nil {
		appt.Status = *p.Status
	}
	if p.Notes != nil {
		appt.Notes = strings.TrimSpace(*p.Notes)
	}
	return nil
}

// AdminDelete removes an appointment permanently.
func (m *Manager) AdminDelete(ctx context.Context, id uuid.UUID) error {
	if err := m.store.DeleteAppointment(ctx, id); err != nil {
		if errors.Is(err, calendar.ErrNotFound) {
			return ErrAppointmentNotFound
		}
		return fmt.Errorf("bookings: delete appointment: %w", err)
	}
	m.logger.Info("appointment deleted by admin", "appointment_id", id)
	return nil
}

func (m *Manager) GetAppointment(ctx context.Context, id uuid.UUID) (*calendar.Appointment, error) {
	appt, err := m.store.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, calendar.ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &appt, nil
}

func (m *Manager) ListAppointments(ctx context.Context, filter calendar.AppointmentFilter) ([]calendar.Appointment, error) {
	return m.store.ListAppointments(ctx, filter)
}

// BlockDate closes a whole day. Existing appointments are left untouched.
func (m *Manager) BlockDate(ctx context.Context, date calendar.Date, reason string) (*calendar.BlockedDate, error) {
	if date.IsZero() {
		return nil, invalidField("date", "date is required")
	}
	b := &calendar.BlockedDate{Date: date, Reason: strings.TrimSpace(reason)}
	if err := m.store.CreateBlockedDate(ctx, b); err != nil {
		return nil, err
	}
	m.logger.Info("date blocked", "date", date.String())
	return b, nil
}

func (m *Manager) UnblockDate(ctx context.Context, id uuid.UUID) error {
	return m.store.DeleteBlockedDate(ctx, id)
}

func (m *Manager) ListBlockedDates(ctx context.Context, from, to calendar.Date) ([]calendar.BlockedDate, error) {
	return m.store.ListBlockedDates(ctx, from, to)
}

// BlockSlot closes [start, end) on date.
func (m *Manager) BlockSlot(ctx context.Context, slot calendar.BlockedTimeSlot) (*calendar.BlockedTimeSlot, error) {
	slot.Reason = strings.TrimSpace(slot.Reason)
	if err := slot.Validate(); err != nil {
		return nil, rejectionFromError(err)
	}
	if err := m.store.CreateBlockedSlot(ctx, &slot); err != nil {
		return nil, err
	}
	m.logger.Info("time slot blocked", "date", slot.Date.String(), "start", slot.StartTime.String(), "end", slot.EndTime.String())
	return &slot, nil
}

func (m *Manager) UnblockSlot(ctx context.Context, id uuid.UUID) error {
	return m.store.DeleteBlockedSlot(ctx, id)
}

func (m *Manager) ListBlockedSlots(ctx context.Context, from, to calendar.Date) ([]calendar.BlockedTimeSlot, error) {
	return m.store.ListBlockedSlots(ctx, from, to)
}

// MonthView returns one snapshot per day of the month.
func (m *Manager) MonthView(ctx context.Context, year int, month time.Month) ([]calendar.Day, error) {
	first := calendar.Date{Year: year, Month: month, Day: 1}
	last := calendar.DateOf(first.Time().AddDate(0, 1, -1))
	return m.store.Days(ctx, first, last)
}
