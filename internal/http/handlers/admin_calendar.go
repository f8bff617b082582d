package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// AdminCalendarHandler serves blocked dates and slots, the month view,
// availability and dashboard stats.
type AdminCalendarHandler struct {
	scheduler Scheduler
	logger    *logging.Logger
}

func NewAdminCalendarHandler(scheduler Scheduler, logger *logging.Logger) *AdminCalendarHandler {
	if scheduler == nil {
		panic("handlers: scheduler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminCalendarHandler{scheduler: scheduler, logger: logger}
}

// Routes mounts the calendar endpoints under the admin router.
func (h *AdminCalendarHandler) Routes(r chi.Router) {
	r.Get("/blocked-dates", h.ListBlockedDates)
	r.Post("/blocked-dates", h.BlockDate)
	r.Delete("/blocked-dates", h.UnblockDate)
	r.Delete("/blocked-dates/{id}", h.UnblockDate)
	r.Get("/blocked-slots", h.ListBlockedSlots)
	r.Post("/blocked-slots", h.BlockSlot)
	r.Delete("/blocked-slots/{id}", h.UnblockSlot)
	r.Get("/calendar", h.Month)
	r.Get("/availability", h.Availability)
	r.Get("/stats", h.Stats)
}

func dateRange(r *http.Request) (from, to calendar.Date, err error) {
	if from, err = optionalDate(r, "from"); err != nil {
		return
	}
	to, err = optionalDate(r, "to")
	return
}

// ListBlockedDates handles GET /admin/blocked-dates?from=&to=.
func (h *AdminCalendarHandler) ListBlockedDates(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	blocked, err := h.scheduler.ListBlockedDates(r.Context(), from, to)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if blocked == nil {
		blocked = []calendar.BlockedDate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blockedDates": blocked})
}

type blockDateRequest struct {
	Date   string `json:"date"`
	Reason string `json:"reason,omitempty"`
}

// BlockDate handles POST /admin/blocked-dates.
func (h *AdminCalendarHandler) BlockDate(w http.ResponseWriter, r *http.Request) {
	var body blockDateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	date, err := parseDateField("date", body.Date)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	blocked, err := h.scheduler.BlockDate(r.Context(), date, body.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, blocked)
}

// UnblockDate handles DELETE /admin/blocked-dates/{id} and
// DELETE /admin/blocked-dates?id= or ?date=.
func (h *AdminCalendarHandler) UnblockDate(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "id")
	if rawID == "" {
		rawID = r.URL.Query().Get("id")
	}
	var id uuid.UUID
	switch {
	case rawID != "":
		parsed, err := uuid.Parse(rawID)
		if err != nil {
			writeError(w, h.logger, invalid("id", "must be a UUID"))
			return
		}
		id = parsed
	case r.URL.Query().Get("date") != "":
		date, err := parseDateField("date", r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		blocked, err := h.scheduler.ListBlockedDates(r.Context(), date, date)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if len(blocked) == 0 {
			writeError(w, h.logger, calendar.ErrNotFound)
			return
		}
		id = blocked[0].ID
	default:
		writeError(w, h.logger, invalid("id", "id or date is required"))
		return
	}
	if err := h.scheduler.UnblockDate(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBlockedSlots handles GET /admin/blocked-slots?from=&to=.
func (h *AdminCalendarHandler) ListBlockedSlots(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	slots, err := h.scheduler.ListBlockedSlots(r.Context(), from, to)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if slots == nil {
		slots = []calendar.BlockedTimeSlot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blockedSlots": slots})
}

type blockSlotRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Reason    string `json:"reason,omitempty"`
}

// BlockSlot handles POST /admin/blocked-slots.
func (h *AdminCalendarHandler) BlockSlot(w http.ResponseWriter, r *http.Request) {
	var body blockSlotRequest
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
	end, err := parseClockField("endTime", body.EndTime)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	slot, err := h.scheduler.BlockSlot(r.Context(), calendar.BlockedTimeSlot{
		Date:      date,
		StartTime: start,
		EndTime:   end,
		Reason:    body.Reason,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

// UnblockSlot handles DELETE /admin/blocked-slots/{id}.
func (h *AdminCalendarHandler) UnblockSlot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.scheduler.UnblockSlot(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DayView is one day of the month calendar.
type DayView struct {
	Date         calendar.Date              `json:"date"`
	Blocked      *calendar.BlockedDate      `json:"blocked,omitempty"`
	BlockedSlots []calendar.BlockedTimeSlot `json:"blockedSlots"`
	Appointments []calendar.Appointment     `json:"appointments"`
}

// MonthResponse is the body of GET /admin/calendar.
type MonthResponse struct {
	Month string    `json:"month"`
	Days  []DayView `json:"days"`
}

// Month handles GET /admin/calendar?month=YYYY-MM; the current month by default.
func (h *AdminCalendarHandler) Month(w http.ResponseWriter, r *http.Request) {
	year, month, err := h.monthParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	days, err := h.scheduler.MonthView(r.Context(), year, month)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := MonthResponse{
		Month: fmt.Sprintf("%04d-%02d", year, int(month)),
		Days:  make([]DayView, 0, len(days)),
	}
	for _, d := range days {
		view := DayView{
			Date:         d.Date,
			Blocked:      d.Blocked,
			BlockedSlots: d.Slots,
			Appointments: d.Appointments,
		}
		if view.BlockedSlots == nil {
			view.BlockedSlots = []calendar.BlockedTimeSlot{}
		}
		if view.Appointments == nil {
			view.Appointments = []calendar.Appointment{}
		}
		resp.Days = append(resp.Days, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminCalendarHandler) monthParam(r *http.Request) (int, time.Month, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("month"))
	if raw == "" {
		today, _ := h.scheduler.Today()
		return today.Year, today.Month, nil
	}
	t, err := time.Parse("2006-01", raw)
	if err != nil {
		return 0, 0, invalid("month", "must be YYYY-MM")
	}
	return t.Year(), t.Month(), nil
}

// AvailabilityResponse lists the open start times on one day.
type AvailabilityResponse struct {
	Date            calendar.Date    `json:"date"`
	DurationMinutes int              `json:"durationMinutes"`
	BookableTimes   []calendar.Clock `json:"bookableTimes"`
	OpenTimes       []calendar.Clock `json:"openTimes"`
}

// Availability handles GET /admin/availability?date=YYYY-MM-DD&duration=.
func (h *AdminCalendarHandler) Availability(w http.ResponseWriter, r *http.Request) {
	date, err := parseDateField("date", r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	duration := h.scheduler.DefaultDuration()
	if raw := r.URL.Query().Get("duration"); raw != "" {
		if duration, err = strconv.Atoi(raw); err != nil || duration <= 0 {
			writeError(w, h.logger, invalid("duration", "must be a positive number of minutes"))
			return
		}
	}
	open, err := h.scheduler.OpenTimes(r.Context(), date, duration)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if open == nil {
		open = []calendar.Clock{}
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{
		Date:            date,
		DurationMinutes: duration,
		BookableTimes:   h.scheduler.BookableTimes(),
		OpenTimes:       open,
	})
}

// Stats handles GET /admin/stats.
func (h *AdminCalendarHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.Stats(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
