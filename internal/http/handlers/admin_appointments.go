package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-ai/internal/bookings"
	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	"github.com/wolfman30/clinic-booking-ai/internal/conversation"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// Scheduler is the booking surface the admin API drives.
type Scheduler interface {
	AdminCreate(ctx context.Context, req bookings.AdminCreateRequest) (*bookings.Booking, error)
	AdminUpdate(ctx context.Context, id uuid.UUID, patch bookings.AppointmentPatch) (*calendar.Appointment, error)
	AdminDelete(ctx context.Context, id uuid.UUID) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*calendar.Appointment, error)
	ListAppointments(ctx context.Context, filter calendar.AppointmentFilter) ([]calendar.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (*calendar.Appointment, error)
	CompleteAppointment(ctx context.Context, id uuid.UUID) (*calendar.Appointment, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, date calendar.Date, start calendar.Clock) (*calendar.Appointment, error)

	BlockDate(ctx context.Context, date calendar.Date, reason string) (*calendar.BlockedDate, error)
	UnblockDate(ctx context.Context, id uuid.UUID) error
	ListBlockedDates(ctx context.Context, from, to calendar.Date) ([]calendar.BlockedDate, error)
	BlockSlot(ctx context.Context, slot calendar.BlockedTimeSlot) (*calendar.BlockedTimeSlot, error)
	UnblockSlot(ctx context.Context, id uuid.UUID) error
	ListBlockedSlots(ctx context.Context, from, to calendar.Date) ([]calendar.BlockedTimeSlot, error)

	MonthView(ctx context.Context, year int, month time.Month) ([]calendar.Day, error)
	OpenTimes(ctx context.Context, date calendar.Date, durationMinutes int) ([]calendar.Clock, error)
	BookableTimes() []calendar.Clock
	DefaultDuration() int
	Today() (calendar.Date, calendar.Clock)
	Stats(ctx context.Context) (*bookings.Stats, error)
}

var _ Scheduler = (*bookings.Manager)(nil)

// AdminAppointmentsHandler serves /admin/appointments.
type AdminAppointmentsHandler struct {
	scheduler Scheduler
	logger    *logging.Logger
}

func NewAdminAppointmentsHandler(scheduler Scheduler, logger *logging.Logger) *AdminAppointmentsHandler {
	if scheduler == nil {
		panic("handlers: scheduler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminAppointmentsHandler{scheduler: scheduler, logger: logger}
}

// Routes mounts the appointment endpoints.
func (h *AdminAppointmentsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
		r.Delete("/", h.Delete)
		r.Post("/cancel", h.Cancel)
		r.Post("/complete", h.Complete)
		r.Post("/reschedule", h.Reschedule)
	})
}

type appointmentRequest struct {
	CustomerName    string `json:"customerName"`
	CustomerPhone   string `json:"customerPhone"`
	Service         string `json:"service"`
	Date            string `json:"date"`
	StartTime       string `json:"startTime"`
	Time            string `json:"time,omitempty"` // legacy name for startTime
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	Notes           string `json:"notes,omitempty"`
	Status          string `json:"status,omitempty"`
}

// AppointmentCreated is the response to POST /admin/appointments.
type AppointmentCreated struct {
	Appointment calendar.Appointment `json:"appointment"`
	Replaced    int                  `json:"replaced"`
	Rescheduled bool                 `json:"rescheduled"`
}

// List handles GET /admin/appointments?from=&to=&status=&phone=&limit=&offset=.
func (h *AdminAppointmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := appointmentFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	appts, err := h.scheduler.ListAppointments(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if appts == nil {
		appts = []calendar.Appointment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appointments": appts,
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

func appointmentFilter(r *http.Request) (calendar.AppointmentFilter, error) {
	var filter calendar.AppointmentFilter
	var err error
	if filter.From, err = optionalDate(r, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = optionalDate(r, "to"); err != nil {
		return filter, err
	}
	for _, raw := range csvParam(r, "status") {
		status, err := calendar.ParseStatus(raw)
		if err != nil {
			return filter, invalid("status", "unknown status "+raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	filter.Phone = conversation.NormalizePhone(r.URL.Query().Get("phone"))
	filter.Limit, filter.Offset, err = pagination(r)
	return filter, err
}

// Create handles POST /admin/appointments.
func (h *AdminAppointmentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body appointmentRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req, err := body.toCreate()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	booking, err := h.scheduler.AdminCreate(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, AppointmentCreated{
		Appointment: booking.Appointment,
		Replaced:    booking.Replaced,
		Rescheduled: booking.Rescheduled,
	})
}

func (b appointmentRequest) toCreate() (bookings.AdminCreateRequest, error) {
	var req bookings.AdminCreateRequest
	date, err := parseDateField("date", b.Date)
	if err != nil {
		return req, err
	}
	startRaw := b.StartTime
	if startRaw == "" {
		startRaw = b.Time
	}
	start, err := parseClockField("startTime", startRaw)
	if err != nil {
		return req, err
	}
	if b.DurationMinutes < 0 {
		return req, invalid("durationMinutes", "must be positive")
	}
	req.BookingRequest = bookings.BookingRequest{
		CustomerName:    b.CustomerName,
		CustomerPhone:   conversation.NormalizePhone(b.CustomerPhone),
		Service:         b.Service,
		Date:            date,
		StartTime:       start,
		DurationMinutes: b.DurationMinutes,
		Notes:           b.Notes,
	}
	if strings.TrimSpace(b.Status) != "" {
		status, err := calendar.ParseStatus(b.Status)
		if err != nil {
			return req, invalid("status", "unknown status")
		}
		req.Status = status
	}
	return req, nil
}

// Get handles GET /admin/appointments/{id}.
func (h *AdminAppointmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	appt, err := h.scheduler.GetAppointment(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

type appointmentPatchRequest struct {
	CustomerName    *string `json:"customerName"`
	CustomerPhone   *string `json:"customerPhone"`
	Service         *string `json:"service"`
	Date            *string `json:"date"`
	StartTime       *string `json:"startTime"`
	Time            *string `json:"time"`
	DurationMinutes *int    `json:"durationMinutes"`
	Status          *string `json:"status"`
	Notes           *string `json:"notes"`
}

func (p appointmentPatchRequest) toPatch() (bookings.AppointmentPatch, error) {
	patch := bookings.AppointmentPatch{
		CustomerName:    p.CustomerName,
		Service:         p.Service,
		DurationMinutes: p.DurationMinutes,
		Notes:           p.Notes,
	}
	if p.CustomerPhone != nil {
		phone := conversation.NormalizePhone(*p.CustomerPhone)
		patch.CustomerPhone = &phone
	}
	if p.Date != nil {
		d, err := parseDateField("date", *p.Date)
		if err != nil {
			return patch, err
		}
		patch.Date = &d
	}
	start := p.StartTime
	if start == nil {
		start = p.Time
	}
	if start != nil {
		c, err := parseClockField("startTime", *start)
		if err != nil {
			return patch, err
		}
		patch.StartTime = &c
	}
	if p.Status != nil {
		s, err := calendar.ParseStatus(*p.Status)
		if err != nil {
			return patch, invalid("status", "unknown status")
		}
		patch.Status = &s
	}
	return patch, nil
}

// Update handles PATCH /admin/appointments/{id}.
func (h *AdminAppointmentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body appointmentPatchRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	patch, err := body.toPatch()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	appt, err := h.scheduler.AdminUpdate(r.Context(), id, patch)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// Delete handles DELETE /admin/appointments/{id}.
func (h *AdminAppointmentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.scheduler.AdminDelete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel handles POST /admin/appointments/{id}/cancel.
func (h *AdminAppointmentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.scheduler.CancelAppointment)
}

// Complete handles POST /admin/appointments/{id}/complete.
func (h *AdminAppointmentsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.scheduler.CompleteAppointment)
}

func (h *AdminAppointmentsHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*calendar.Appointment, error)) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	appt, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

type rescheduleRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
}

// Reschedule handles POST /admin/appointments/{id}/reschedule.
func (h *AdminAppointmentsHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body rescheduleRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	date, err := parseDateField("date", body.Date)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	start, err := parseClockField("startTime", body.StartTime)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	appt, err := h.scheduler.RescheduleAppointment(r.Context(), id, date, start)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}
