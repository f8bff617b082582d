package bookings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	"github.com/wolfman30/clinic-booking-ai/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

var bookingsTracer = otel.Tracer("clinicbooking.internal.bookings")

// ConversationCloser marks a conversation finished once its booking exists.
type ConversationCloser interface {
	Close(ctx context.Context, conversationID uuid.UUID) error
}

// Notifier is told about every committed calendar change.
type Notifier interface {
	NotifyBooking(ctx context.Context, kind string, appt calendar.Appointment) error
}

// Config holds the scheduling rules.
type Config struct {
	BookableTimes               []calendar.Clock
	DefaultDurationMinutes      int
	AdminDefaultDurationMinutes int
	Location                    *time.Location
	AlternativesLimit           int
	SearchDays                  int
}

// ParseBookableTimes parses HH:MM values and returns them sorted and de-duplicated.
func ParseBookableTimes(raw []string) ([]calendar.Clock, error) {
	seen := make(map[calendar.Clock]struct{}, len(raw))
	out := make([]calendar.Clock, 0, len(raw))
	for _, v := range raw {
		c, err := calendar.ParseClock(v)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Manager owns every calendar mutation. Conversational and admin callers both
// go through it so the same conflict rules apply everywhere.
type Manager struct {
	store         calendar.Store
	conversations ConversationCloser
	notifier      Notifier
	metrics       *metrics.BookingMetrics
	cfg           Config
	logger        *logging.Logger
	now           func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithMetrics(bm *metrics.BookingMetrics) Option {
	return func(m *Manager) { m.metrics = bm }
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs the booking lifecycle manager.
func NewManager(store calendar.Store, conversations ConversationCloser, cfg Config, logger *logging.Logger, opts ...Option) *Manager {
	if store == nil {
		panic("bookings: calendar store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.DefaultDurationMinutes <= 0 {
		cfg.DefaultDurationMinutes = 60
	}
	if cfg.AdminDefaultDurationMinutes <= 0 {
		cfg.AdminDefaultDurationMinutes = 30
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.AlternativesLimit <= 0 {
		cfg.AlternativesLimit = 3
	}
	if cfg.SearchDays <= 0 {
		cfg.SearchDays = 7
	}
	m := &Manager{
		store:         store,
		conversations: conversations,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BookingRequest is a fully specified request to place an appointment.
type BookingRequest struct {
	CustomerName    string
	CustomerPhone   string
	Service         string
	Date            calendar.Date
	StartTime       calendar.Clock
	DurationMinutes int
	Notes           string
	ConversationID  *uuid.UUID
}

// Booking is a committed appointment. Replaced counts the customer's earlier
// live appointments cancelled in the same transaction.
type Booking struct {
	Appointment calendar.Appointment
	Replaced    int
	Rescheduled bool
}

// Slot is an open start time on a given day.
type Slot struct {
	Date      calendar.Date  `json:"date"`
	StartTime calendar.Clock `json:"startTime"`
}

func (m *Manager) BookableTimes() []calendar.Clock {
	return append([]calendar.Clock(nil), m.cfg.BookableTimes...)
}

// IsBookable reports whether c is one of the configured start times.
func (m *Manager) IsBookable(c calendar.Clock) bool {
	for _, b := range m.cfg.BookableTimes {
		if b == c {
			return true
		}
	}
	return false
}

func (m *Manager) DefaultDuration() int { return m.cfg.DefaultDurationMinutes }

// Today returns the clinic-local date and time of day.
func (m *Manager) Today() (calendar.Date, calendar.Clock) {
	local := m.now().In(m.cfg.Location)
	return calendar.DateOf(local), calendar.Clock(local.Hour()*60 + local.Minute())
}

type createOptions struct {
	op              string
	status          calendar.Status
	defaultDuration int
	rejectPast      bool
}

// CreateAppointment books a CONFIRMED appointment. Any live appointment the
// phone already holds is cancelled in the same transaction, which is how a
// customer reschedules by simply booking again.
func (m *Manager) CreateAppointment(ctx context.Context, req BookingRequest) (*Booking, error) {
	return m.create(ctx, req, createOptions{
		op:              "create",
		status:          calendar.StatusConfirmed,
		defaultDuration: m.cfg.DefaultDurationMinutes,
		rejectPast:      true,
	})
}

func (m *Manager) create(ctx context.Context, req BookingRequest, opts createOptions) (result *Booking, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings."+opts.op)
	defer span.End()
	started := m.now()
	defer func() { m.observe(opts.op, started, err) }()

	if req.DurationMinutes == 0 {
		req.DurationMinutes = opts.defaultDuration
	}
	appt, rej := m.newAppointment(req, opts)
	if rej != nil {
		return nil, rej
	}
	span.SetAttributes(
		attribute.String("clinic.appointment.date", appt.Date.String()),
		attribute.String("clinic.appointment.start", appt.StartTime.String()),
	)
	cand := calendar.Candidate{Date: appt.Date, StartTime: appt.StartTime, DurationMinutes: appt.DurationMinutes}

	var booking Booking
	err = m.store.InTx(ctx, func(tx calendar.Tx) error {
		booking = Booking{}
		if req.ConversationID != nil {
			existing, err := tx.ConversationAppointment(ctx, *req.ConversationID)
			if err != nil {
				return err
			}
			if existing != nil {
				return &Rejection{Kind: AlreadyScheduled, Existing: existing}
			}
		}

		day, err := tx.Day(ctx, cand.Date)
		if err != nil {
			return err
		}
		if conflict := calendar.Resolve(cand, withoutLiveForPhone(day, appt.CustomerPhone), uuid.Nil); conflict != nil {
			return rejectionFromConflict(conflict)
		}

		replaced, err := tx.CancelLiveByPhone(ctx, appt.CustomerPhone, m.now().UTC())
		if err != nil {
			return err
		}
		row := appt
		if err := tx.InsertAppointment(ctx, &row); err != nil {
			return err
		}
		booking = Booking{Appointment: row, Replaced: replaced, Rescheduled: replaced > 0}
		return nil
	})
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			m.logger.Info("booking rejected", "kind", rej.Kind, "date", appt.Date.String(), "start", appt.StartTime.String())
			return nil, rej
		}
		span.RecordError(err)
		return nil, err
	}

	m.logger.Info("appointment booked",
		"appointment_id", booking.Appointment.ID,
		"date", booking.Appointment.Date.String(),
		"start", booking.Appointment.StartTime.String(),
		"replaced", booking.Replaced,
	)
	kind := "confirmed"
	if booking.Rescheduled {
		kind = "rescheduled"
	}
	m.notify(ctx, kind, booking.Appointment)
	return &booking, nil
}

func (m *Manager) newAppointment(req BookingRequest, opts createOptions) (calendar.Appointment, *Rejection) {
	appt := calendar.Appointment{
		CustomerName:    strings.TrimSpace(req.CustomerName),
		CustomerPhone:   strings.TrimSpace(req.CustomerPhone),
		Service:         strings.TrimSpace(req.Service),
		Date:            req.Date,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Status:          opts.status,
		Notes:           strings.TrimSpace(req.Notes),
		ConversationID:  req.ConversationID,
	}
	switch {
	case appt.CustomerName == "":
		return appt, invalidField("customerName", "name is required")
	case appt.CustomerPhone == "":
		return appt, invalidField("customerPhone", "phone is required")
	case appt.Service == "":
		return appt, invalidField("service", "service is required")
	case !appt.Status.Live():
		return appt, invalidField("status", "new appointments must be PENDING or CONFIRMED")
	}
	cand := calendar.Candidate{Date: appt.Date, StartTime: appt.StartTime, DurationMinutes: appt.DurationMinutes}
	if err := cand.Validate(); err != nil {
		return appt, rejectionFromError(err)
	}
	if opts.rejectPast {
		if rej := m.rejectPast(cand); rej != nil {
			return appt, rej
		}
	}
	return appt, nil
}

func (m *Manager) rejectPast(c calendar.Candidate) *Rejection {
	today, nowClock := m.Today()
	if c.Date.Before(today) {
		return invalidField("date", "date is in the past")
	}
	if c.Date == today && c.StartTime <= nowClock {
		return invalidField("time", "time has already passed")
	}
	return nil
}

// withoutLiveForPhone drops the phone's live appointments from the snapshot;
// they are cancelled by the same transaction that inserts the replacement.
func withoutLiveForPhone(day calendar.Day, phone string) calendar.Day {
	out := day
	out.Appointments = make([]calendar.Appointment, 0, len(day.Appointments))
	for _, a := range day.Appointments {
		if a.CustomerPhone == phone && a.Status.Live() {
			continue
		}
		out.Appointments = append(out.Appointments, a)
	}
	return out
}

// RescheduleAppointment moves a live appointment in place, ignoring its own
// current slot when checking for conflicts.
func (m *Manager) RescheduleAppointment(ctx context.Context, id uuid.UUID, date calendar.Date, start calendar.Clock) (result *calendar.Appointment, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id.String()))
	started := m.now()
	defer func() { m.observe("reschedule", started, err) }()

	var updated calendar.Appointment
	err = m.store.InTx(ctx, func(tx calendar.Tx) error {
		appt, err := m.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !appt.Status.Live() {
			return invalidField("status", "only pending or confirmed appointments can be rescheduled")
		}
		cand := calendar.Candidate{Date: date, StartTime: start, DurationMinutes: appt.DurationMinutes}
		if err := cand.Validate(); err != nil {
			return rejectionFromError(err)
		}
		if rej := m.rejectPast(cand); rej != nil {
			return rej
		}
		day, err := tx.Day(ctx, date)
		if err != nil {
			return err
		}
		if conflict := calendar.Resolve(cand, day, appt.ID); conflict != nil {
			return rejectionFromConflict(conflict)
		}
		appt.Date = date
		appt.StartTime = start
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

	m.logger.Info("appointment rescheduled", "appointment_id", id, "date", date.String(), "start", start.String())
	m.notify(ctx, "rescheduled", updated)
	return &updated, nil
}

// CancelAppointment is idempotent: cancelling a cancelled appointment returns it unchanged.
func (m *Manager) CancelAppointment(ctx context.Context, id uuid.UUID) (*calendar.Appointment, error) {
	return m.transition(ctx, "cancel", id, calendar.StatusCancelled)
}

// CompleteAppointment marks a live appointment as attended.
func (m *Manager) CompleteAppointment(ctx context.Context, id uuid.UUID) (*calendar.Appointment, error) {
	return m.transition(ctx, "complete", id, calendar.StatusCompleted)
}

func (m *Manager) transition(ctx context.Context, op string, id uuid.UUID, target calendar.Status) (result *calendar.Appointment, err error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings."+op)
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id.String()))
	started := m.now()
	defer func() { m.observe(op, started, err) }()

	var (
		updated calendar.Appointment
		changed bool
	)
	err = m.store.InTx(ctx, func(tx calendar.Tx) error {
		changed = false
		appt, err := m.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if appt.Status == target {
			updated = appt
			return nil
		}
		if !appt.Status.Live() {
			return invalidField("status", fmt.Sprintf("%s appointments cannot become %s", appt.Status, target))
		}
		appt.Status = target
		if target == calendar.StatusCancelled {
			at := m.now().UTC()
			appt.CancelledAt = &at
		}
		if err := tx.UpdateAppointment(ctx, &appt); err != nil {
			return err
		}
		updated = appt
		changed = true
		return nil
	})
	if err != nil {
		if !isExpected(err) {
			span.RecordError(err)
		}
		return nil, err
	}

	if changed {
		m.logger.Info("appointment status changed", "appointment_id", id, "status", target)
		if target == calendar.StatusCancelled {
			m.notify(ctx, "cancelled", updated)
		}
	}
	return &updated, nil
}

func (m *Manager) loadForUpdate(ctx context.Context, tx calendar.Tx, id uuid.UUID) (calendar.Appointment, error) {
	appt, err := tx.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, calendar.ErrNotFound) {
			return calendar.Appointment{}, ErrAppointmentNotFound
		}
		return calendar.Appointment{}, err
	}
	return appt, nil
}

// CompleteConversation closes the conversation a booking was made from.
func (m *Manager) CompleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	if m.conversations == nil {
		return errors.New("bookings: conversation store not configured")
	}
	if err := m.conversations.Close(ctx, conversationID); err != nil {
		return fmt.Errorf("bookings: complete conversation: %w", err)
	}
	return nil
}

// FindLiveAppointment returns the phone's earliest PENDING/CONFIRMED appointment, or nil.
func (m *Manager) FindLiveAppointment(ctx context.Context, phone string) (*calendar.Appointment, error) {
	live, err := m.store.LiveAppointmentsByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("bookings: find live appointment: %w", err)
	}
	if len(live) == 0 {
		return nil, nil
	}
	appt := live[0]
	return &appt, nil
}

// LiveAppointments lists every live appointment the phone holds.
func (m *Manager) LiveAppointments(ctx context.Context, phone string) ([]calendar.Appointment, error) {
	return m.store.LiveAppointmentsByPhone(ctx, phone)
}

// SuggestAlternatives lists open bookable times starting at date and moving
// forward day by day, skipping blocked days and times already past.
func (m *Manager) SuggestAlternatives(ctx context.Context, date calendar.Date, durationMinutes, limit int) ([]Slot, error) {
	if durationMinutes <= 0 {
		durationMinutes = m.cfg.DefaultDurationMinutes
	}
	if limit <= 0 {
		limit = m.cfg.AlternativesLimit
	}
	today, nowClock := m.Today()
	from := date
	if from.Before(today) {
		from = today
	}
	days, err := m.store.Days(ctx, from, from.AddDays(m.cfg.SearchDays-1))
	if err != nil {
		return nil, fmt.Errorf("bookings: suggest alternatives: %w", err)
	}

	var out []Slot
	for _, day := range days {
		for _, start := range calendar.OpenTimes(day, m.cfg.BookableTimes, durationMinutes) {
			if day.Date == today && start <= nowClock {
				continue
			}
			out = append(out, Slot{Date: day.Date, StartTime: start})
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// OpenTimes lists the bookable start times still free on date.
func (m *Manager) OpenTimes(ctx context.Context, date calendar.Date, durationMinutes int) ([]calendar.Clock, error) {
	if durationMinutes <= 0 {
		durationMinutes = m.cfg.DefaultDurationMinutes
	}
	day, err := m.store.Day(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("bookings: open times: %w", err)
	}
	return calendar.OpenTimes(day, m.cfg.BookableTimes, durationMinutes), nil
}

// Days returns calendar snapshots for the inclusive range.
func (m *Manager) Days(ctx context.Context, from, to calendar.Date) ([]calendar.Day, error) {
	return m.store.Days(ctx, from, to)
}

func (m *Manager) notify(ctx context.Context, kind string, appt calendar.Appointment) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyBooking(ctx, kind, appt); err != nil {
		m.logger.Warn("booking notification failed", "error", err, "appointment_id", appt.ID, "kind", kind)
	}
}

func (m *Manager) observe(op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if rej, ok := AsRejection(err); ok {
			outcome = string(rej.Kind)
		} else if errors.Is(err, ErrAppointmentNotFound) {
			outcome = "not_found"
		}
	}
	m.metrics.ObserveOutcome(op, outcome, m.now().Sub(started).Seconds())
}

func isExpected(err error) bool {
	if _, ok := AsRejection(err); ok {
		return true
	}
	return errors.Is(err, ErrAppointmentNotFound)
}
