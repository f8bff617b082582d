package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-ai/internal/conversation"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// ConversationReader is the read side of the session store.
type ConversationReader interface {
	Get(ctx context.Context, conversationID uuid.UUID) (*conversation.Conversation, error)
	History(ctx context.Context, conversationID uuid.UUID) ([]conversation.Message, error)
	List(ctx context.Context, filter conversation.ListFilter) ([]conversation.Summary, error)
}

// AdminConversationsHandler lets staff read chat transcripts.
type AdminConversationsHandler struct {
	store  ConversationReader
	logger *logging.Logger
}

func NewAdminConversationsHandler(store ConversationReader, logger *logging.Logger) *AdminConversationsHandler {
	if store == nil {
		panic("handlers: conversation store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminConversationsHandler{store: store, logger: logger}
}

func (h *AdminConversationsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
}

// ConversationDetail is a conversation with its full transcript.
type ConversationDetail struct {
	conversation.Conversation
	Messages []conversation.Message `json:"messages"`
}

// List handles GET /admin/conversations?phone=&status=&limit=&offset=.
func (h *AdminConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := conversation.ListFilter{Phone: conversation.NormalizePhone(r.URL.Query().Get("phone"))}
	for _, raw := range csvParam(r, "status") {
		status := conversation.Status(raw)
		if status != conversation.StatusActive && status != conversation.StatusClosed {
			writeError(w, h.logger, invalid("status", "must be ACTIVE or CLOSED"))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
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
		list = []conversation.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": list,
		"limit":         filter.Limit,
		"offset":        filter.Offset,
	})
}

// Get handles GET /admin/conversations/{id}.
func (h *AdminConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	conv, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	messages, err := h.store.History(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if messages == nil {
		messages = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, ConversationDetail{Conversation: *conv, Messages: messages})
}
