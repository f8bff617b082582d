package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-ai/internal/bookings"
	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	"github.com/wolfman30/clinic-booking-ai/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

var engineTracer = otel.Tracer("clinicbooking.internal.conversation")

// ErrInvalidInbound is returned for messages without a phone number or text.
var ErrInvalidInbound = errors.New("conversation: inbound message requires phone and text")

// Scheduler is the part of the booking manager a conversation turn uses.
type Scheduler interface {
	CreateAppointment(ctx context.Context, req bookings.BookingRequest) (*bookings.Booking, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, date calendar.Date, start calendar.Clock) (*calendar.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (*calendar.Appointment, error)
	CompleteConversation(ctx context.Context, conversationID uuid.UUID) error
	FindLiveAppointment(ctx context.Context, phone string) (*calendar.Appointment, error)
	LiveAppointments(ctx context.Context, phone string) ([]calendar.Appointment, error)
	SuggestAlternatives(ctx context.Context, date calendar.Date, durationMinutes, limit int) ([]bookings.Slot, error)
	Days(ctx context.Context, from, to calendar.Date) ([]calendar.Day, error)
	BookableTimes() []calendar.Clock
	IsBookable(c calendar.Clock) bool
	DefaultDuration() int
	Today() (calendar.Date, calendar.Clock)
}

var _ Scheduler = (*bookings.Manager)(nil)

// Outcome labels how a turn ended.
type Outcome string

const (
	OutcomeReply                Outcome = "plain_reply"
	OutcomeBooked               Outcome = "booked"
	OutcomeRescheduled          Outcome = "rescheduled"
	OutcomeCancelled            Outcome = "cancelled"
	OutcomeRejected             Outcome = "rejected"
	OutcomeAlreadyScheduled     Outcome = "already_scheduled"
	OutcomeNoBooking            Outcome = "no_booking"
	OutcomeNeedsInput           Outcome = "needs_input"
	OutcomeExtractorUnavailable Outcome = "extractor_unavailable"
)

// Inbound is one customer message. MessageID is the provider's id, used to
// drop redeliveries.
type Inbound struct {
	Phone     string
	Text      string
	MessageID string
}

type Outbound struct {
	Text           string    `json:"outboundText"`
	ConversationID uuid.UUID `json:"conversationId"`
	Outcome        Outcome   `json:"outcome"`
}

type EngineConfig struct {
	ExtractorTimeout  time.Duration
	ContextWindowDays int
	AlternativesLimit int
}

// Engine runs one conversation turn: store the message, ask the extractor,
// act on any intent and produce the reply.
type Engine struct {
	sessions  Store
	scheduler Scheduler
	extractor Extractor
	metrics   *metrics.ConversationMetrics
	logger    *logging.Logger
	cfg       EngineConfig
}

type EngineOption func(*Engine)

func WithEngineMetrics(m *metrics.ConversationMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(sessions Store, scheduler Scheduler, extractor Extractor, cfg EngineConfig, logger *logging.Logger, opts ...EngineOption) *Engine {
	if sessions == nil || scheduler == nil || extractor == nil {
		panic("conversation: engine requires sessions, scheduler and extractor")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.ExtractorTimeout <= 0 {
		cfg.ExtractorTimeout = 20 * time.Second
	}
	if cfg.ContextWindowDays <= 0 {
		cfg.ContextWindowDays = 30
	}
	if cfg.AlternativesLimit <= 0 {
		cfg.AlternativesLimit = 3
	}
	e := &Engine{sessions: sessions, scheduler: scheduler, extractor: extractor, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleInbound processes one customer message. Store failures are returned;
// everything else, including extractor outages, becomes a reply.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (*Outbound, error) {
	phone := NormalizePhone(in.Phone)
	text := strings.TrimSpace(in.Text)
	if phone == "" || text == "" {
		return nil, ErrInvalidInbound
	}
	ctx, span := engineTracer.Start(ctx, "conversation.handle_inbound")
	defer span.End()

	conv, err := e.sessions.GetOrCreateActive(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: resolve session: %w", err)
	}
	span.SetAttributes(attribute.String("clinic.conversation_id", conv.ID.String()))
	logger := e.logger.With("conversation_id", conv.ID)

	if _, err := e.sessions.AppendMessage(ctx, conv.ID, RoleUser, text); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: store inbound: %w", err)
	}

	ext, err := e.extract(ctx, conv, phone, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("extractor unavailable", "error", err)
		return e.respond(ctx, conv, replyTryAgain, OutcomeExtractorUnavailable)
	}

	if ext.Reply != "" {
		if _, err := e.sessions.AppendMessage(ctx, conv.ID, RoleAssistant, ext.Reply); err != nil {
			return nil, fmt.Errorf("conversation: store reply: %w", err)
		}
	}
	partial := ext.Context
	if ext.Intent != nil && ext.Intent.Kind == IntentBook {
		partial = partial.Merge(Context{
			CustomerName: ext.Intent.CustomerName,
			Service:      ext.Intent.Service,
			Date:         ext.Intent.Date,
			Time:         ext.Intent.Time,
			Insurance:    ext.Intent.Insurance,
		})
	}
	collected := conv.Context
	if !partial.IsZero() {
		if collected, err = e.sessions.UpdateContext(ctx, conv.ID, partial); err != nil {
			return nil, fmt.Errorf("conversation: update context: %w", err)
		}
	}

	if ext.Intent == nil {
		if ext.Reply == "" {
			return e.respond(ctx, conv, replyNotUnderstood, OutcomeReply)
		}
		e.metrics.ObserveTurn(string(OutcomeReply))
		return &Outbound{Text: ext.Reply, ConversationID: conv.ID, Outcome: OutcomeReply}, nil
	}

	span.SetAttributes(attribute.String("clinic.intent", string(ext.Intent.Kind)))
	switch ext.Intent.Kind {
	case IntentBook:
		return e.book(ctx, conv, phone, *ext.Intent, collected, logger)
	case IntentReschedule:
		return e.reschedule(ctx, conv, phone, *ext.Intent)
	default:
		return e.cancel(ctx, conv, phone)
	}
}

func (e *Engine) extract(ctx context.Context, conv *Conversation, phone string, logger *logging.Logger) (Extraction, error) {
	history, err := e.sessions.History(ctx, conv.ID)
	if err != nil {
		return Extraction{}, fmt.Errorf("conversation: load history: %w", err)
	}
	today, now := e.scheduler.Today()
	digest, err := e.calendarDigest(ctx, phone, today)
	if err != nil {
		logger.Warn("calendar digest unavailable", "error", err)
	}
	bookable := e.scheduler.BookableTimes()
	times := make([]string, len(bookable))
	for i, c := range bookable {
		times[i] = c.String()
	}

	extractCtx, cancel := context.WithTimeout(ctx, e.cfg.ExtractorTimeout)
	defer cancel()
	started := time.Now()
	ext, err := e.extractor.Extract(extractCtx, history, ExtractionInput{
		Context:       conv.Context,
		Digest:        digest,
		Now:           today.Time().Add(time.Duration(now) * time.Minute),
		BookableTimes: times,
	})
	status := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	e.metrics.ObserveExtractor(status, time.Since(started).Seconds())
	return ext, err
}

func (e *Engine) book(ctx context.Context, conv *Conversation, phone string, intent Intent, collected Context, logger *logging.Logger) (*Outbound, error) {
	fields := collected.Merge(Context{
		CustomerName: intent.CustomerName,
		Service:      intent.Service,
		Date:         intent.Date,
		Time:         intent.Time,
		Insurance:    intent.Insurance,
	})
	switch {
	case fields.CustomerName == "":
		return e.respond(ctx, conv, askAgain("customerName", ""), OutcomeNeedsInput)
	case fields.Service == "":
		return e.respond(ctx, conv, askAgain("service", ""), OutcomeNeedsInput)
	}
	date, start, out, err := e.parseSlot(ctx, conv, fields.Date, fields.Time)
	if out != nil || err != nil {
		return out, err
	}

	req := bookings.BookingRequest{
		CustomerName:   fields.CustomerName,
		CustomerPhone:  phone,
		Service:        fields.Service,
		Date:           date,
		StartTime:      start,
		ConversationID: &conv.ID,
	}
	if fields.Insurance != "" {
		req.Notes = "Insurance: " + fields.Insurance
	}
	booking, err := e.scheduler.CreateAppointment(ctx, req)
	if err != nil {
		rej, ok := bookings.AsRejection(err)
		if !ok {
			return nil, fmt.Errorf("conversation: create appointment: %w", err)
		}
		if rej.Kind == bookings.AlreadyScheduled {
			return e.respond(ctx, conv, alreadyScheduledReply(rej.Existing), OutcomeAlreadyScheduled)
		}
		return e.reject(ctx, conv, rej, date, start, e.scheduler.DefaultDuration())
	}

	if err := e.scheduler.CompleteConversation(ctx, conv.ID); err != nil {
		logger.Error("failed to close conversation after booking", "error", err, "appointment_id", booking.Appointment.ID)
	}
	return e.respond(ctx, conv, confirmationReply(booking), OutcomeBooked)
}

func (e *Engine) reschedule(ctx context.Context, conv *Conversation, phone string, intent Intent) (*Outbound, error) {
	live, err := e.scheduler.FindLiveAppointment(ctx, phone)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return e.respond(ctx, conv, replyNoBooking, OutcomeNoBooking)
	}
	date, start, out, err := e.parseSlot(ctx, conv, intent.Date, intent.Time)
	if out != nil || err != nil {
		return out, err
	}
	moved, err := e.scheduler.RescheduleAppointment(ctx, live.ID, date, start)
	if err != nil {
		if rej, ok := bookings.AsRejection(err); ok {
			return e.reject(ctx, conv, rej, date, start, live.DurationMinutes)
		}
		if errors.Is(err, bookings.ErrAppointmentNotFound) {
			return e.respond(ctx, conv, replyNoBooking, OutcomeNoBooking)
		}
		return nil, fmt.Errorf("conversation: reschedule appointment: %w", err)
	}
	return e.respond(ctx, conv, rescheduledReply(moved), OutcomeRescheduled)
}

func (e *Engine) cancel(ctx context.Context, conv *Conversation, phone string) (*Outbound, error) {
	live, err := e.scheduler.FindLiveAppointment(ctx, phone)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return e.respond(ctx, conv, replyNoBooking, OutcomeNoBooking)
	}
	cancelled, err := e.scheduler.CancelAppointment(ctx, live.ID)
	if err != nil {
		if rej, ok := bookings.AsRejection(err); ok {
			return e.respond(ctx, conv, askAgain(rej.Field, rej.Message), OutcomeRejected)
		}
		if errors.Is(err, bookings.ErrAppointmentNotFound) {
			return e.respond(ctx, conv, replyNoBooking, OutcomeNoBooking)
		}
		return nil, fmt.Errorf("conversation: cancel appointment: %w", err)
	}
	return e.respond(ctx, conv, cancelledReply(cancelled), OutcomeCancelled)
}

// parseSlot validates a raw date and time. When the input is unusable it
// returns the corrective reply instead.
func (e *Engine) parseSlot(ctx context.Context, conv *Conversation, rawDate, rawTime string) (calendar.Date, calendar.Clock, *Outbound, error) {
	if rawDate == "" {
		out, err := e.respond(ctx, conv, askAgain("date", ""), OutcomeNeedsInput)
		return calendar.Date{}, 0, out, err
	}
	date, err := calendar.ParseDate(rawDate)
	if err != nil {
		out, err := e.respond(ctx, conv, askAgain("date", "use YYYY-MM-DD"), OutcomeNeedsInput)
		return calendar.Date{}, 0, out, err
	}
	if rawTime == "" {
		out, err := e.respond(ctx, conv, askAgain("time", ""), OutcomeNeedsInput)
		return calendar.Date{}, 0, out, err
	}
	start, err := calendar.ParseClock(rawTime)
	if err != nil {
		out, err := e.respond(ctx, conv, askAgain("time", "use HH:MM"), OutcomeNeedsInput)
		return calendar.Date{}, 0, out, err
	}
	if !e.scheduler.IsBookable(start) {
		out, err := e.respond(ctx, conv, invalidTimeReply(rawTime, e.scheduler.BookableTimes()), OutcomeRejected)
		return calendar.Date{}, 0, out, err
	}
	return date, start, nil, nil
}

// reject explains a rejection, offering open times that fit durationMinutes.
func (e *Engine) reject(ctx context.Context, conv *Conversation, rej *bookings.Rejection, date calendar.Date, start calendar.Clock, durationMinutes int) (*Outbound, error) {
	outcome := OutcomeRejected
	var alternatives []bookings.Slot
	switch rej.Kind {
	case bookings.ValidationError:
		outcome = OutcomeNeedsInput
	case bookings.DateBlocked, bookings.SlotBlocked, bookings.TimeConflict:
		slots, err := e.scheduler.SuggestAlternatives(ctx, date, durationMinutes, e.cfg.AlternativesLimit)
		if err != nil {
			e.logger.Warn("could not suggest alternatives", "error", err, "date", date.String())
		}
		alternatives = slots
	}
	return e.respond(ctx, conv, rejectionReply(rej, date, start, alternatives), outcome)
}

// respond stores a synthesized assistant message and returns it as the reply.
func (e *Engine) respond(ctx context.Context, conv *Conversation, text string, outcome Outcome) (*Outbound, error) {
	if _, err := e.sessions.AppendMessage(ctx, conv.ID, RoleAssistant, text); err != nil {
		return nil, fmt.Errorf("conversation: store reply: %w", err)
	}
	e.metrics.ObserveTurn(string(outcome))
	return &Outbound{Text: text, ConversationID: conv.ID, Outcome: outcome}, nil
}
