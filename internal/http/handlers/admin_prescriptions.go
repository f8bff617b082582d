package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking-ai/internal/prescriptions"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// AdminPrescriptionsHandler lets staff issue and look up patient prescriptions.
type AdminPrescriptionsHandler struct {
	store  prescriptions.Store
	logger *logging.Logger
}

func NewAdminPrescriptionsHandler(store prescriptions.Store, logger *logging.Logger) *AdminPrescriptionsHandler {
	if store == nil {
		panic("handlers: prescription store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminPrescriptionsHandler{store: store, logger: logger}
}

func (h *AdminPrescriptionsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
}

type createPrescriptionRequest struct {
	PatientName string `json:"patientName"`
	Content     string `json:"content"`
}

// List handles GET /admin/prescriptions?patientName=&limit=&offset=.
func (h *AdminPrescriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := prescriptions.Filter{PatientName: strings.TrimSpace(r.URL.Query().Get("patientName"))}
	var err error
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		writeError(w, h.logger, err)
		return
	}
	list, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []prescriptions.Prescription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prescriptions": list,
		"limit":         filter.Limit,
		"offset":        filter.Offset,
	})
}

// Create handles POST /admin/prescriptions.
func (h *AdminPrescriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPrescriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p := &prescriptions.Prescription{PatientName: req.PatientName, Content: req.Content}
	if err := h.store.Create(r.Context(), p); err != nil {
		var fe *prescriptions.FieldError
		if errors.As(err, &fe) {
			writeError(w, h.logger, invalid(fe.Field, fe.Message))
			return
		}
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("prescription issued", "prescription_id", p.ID)
	writeJSON(w, http.StatusCreated, p)
}
