// Package handlers implements the clinic staff admin API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-ai/internal/bookings"
	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	"github.com/wolfman30/clinic-booking-ai/internal/conversation"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx admin response.
type errorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Conflict string `json:"conflict,omitempty"`
}

// badRequest is a malformed parameter or body.
type badRequest struct {
	field   string
	message string
}

func (e *badRequest) Error() string {
	if e.field == "" {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.field, e.message)
}

func invalid(field, message string) error {
	return &badRequest{field: field, message: message}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors onto status codes: validation 400, missing
// 404, calendar conflicts 409, everything else 500.
func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	var br *badRequest
	if errors.As(err, &br) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: br.message, Kind: string(bookings.ValidationError), Field: br.field})
		return
	}
	if rej, ok := bookings.AsRejection(err); ok {
		writeJSON(w, rejectionStatus(rej.Kind), errorResponse{
			Error:    rej.Error(),
			Kind:     string(rej.Kind),
			Field:    rej.Field,
			Reason:   rej.Reason,
			Conflict: rej.ExistingSummary,
		})
		return
	}
	switch {
	case errors.Is(err, bookings.ErrAppointmentNotFound),
		errors.Is(err, calendar.ErrNotFound),
		errors.Is(err, conversation.ErrConversationNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, calendar.ErrDuplicateBlockDate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "date already blocked", Kind: string(bookings.DateBlocked)})
	case errors.Is(err, calendar.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "calendar busy, try again"})
	default:
		logger.Error("admin request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func rejectionStatus(kind bookings.RejectionKind) int {
	switch kind {
	case bookings.DateBlocked, bookings.SlotBlocked, bookings.TimeConflict, bookings.AlreadyScheduled:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("", "invalid JSON body: "+err.Error())
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, invalid("id", "must be a UUID")
	}
	return id, nil
}

func parseDateField(field, raw string) (calendar.Date, error) {
	d, err := calendar.ParseDate(strings.TrimSpace(raw))
	if err != nil {
		return calendar.Date{}, invalid(field, "must be YYYY-MM-DD")
	}
	return d, nil
}

func parseClockField(field, raw string) (calendar.Clock, error) {
	c, err := calendar.ParseClock(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalid(field, "must be HH:MM")
	}
	return c, nil
}

// optionalDate parses a query parameter that may be absent.
func optionalDate(r *http.Request, name string) (calendar.Date, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return calendar.Date{}, nil
	}
	return parseDateField(name, raw)
}

func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit, offset = 50, 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 || limit > 500 {
			return 0, 0, invalid("limit", "must be between 1 and 500")
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, invalid("offset", "must be zero or positive")
		}
	}
	return limit, offset, nil
}

// csvParam splits a comma-separated query value, dropping blanks.
func csvParam(r *http.Request, name string) []string {
	var out []string
	for _, part := range strings.Split(r.URL.Query().Get(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
