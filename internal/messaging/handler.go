// Package messaging exposes the inbound chat webhooks that feed conversation turns.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-ai/internal/conversation"
	"github.com/wolfman30/clinic-booking-ai/internal/events"
	"github.com/wolfman30/clinic-booking-ai/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

var tracer = otel.Tracer("clinicbooking.internal.messaging")

const (
	providerAPI    = "api"
	providerTwilio = "twilio"

	defaultTurnTimeout = 45 * time.Second
	maxBodyBytes       = 64 << 10
)

// HandlerConfig configures the webhook handler.
type HandlerConfig struct {
	// TwilioAuthToken enables signature validation when set.
	TwilioAuthToken string
	// TwilioWebhookURL overrides the URL used for signature validation;
	// otherwise it is rebuilt from the request.
	TwilioWebhookURL string
	TurnTimeout      time.Duration
}

// Handler serves the inbound message webhooks.
type Handler struct {
	turns   conversation.TurnHandler
	dedupe  events.Deduper
	metrics *metrics.ConversationMetrics
	cfg     HandlerConfig
	logger  *logging.Logger
}

// NewHandler creates a webhook handler. dedupe may be nil to process every delivery.
func NewHandler(turns conversation.TurnHandler, dedupe events.Deduper, cfg HandlerConfig, m *metrics.ConversationMetrics, logger *logging.Logger) *Handler {
	if turns == nil {
		panic("messaging: turn handler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	return &Handler{
		turns:   turns,
		dedupe:  dedupe,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
	}
}

// InboundMessageRequest is the JSON body of POST /webhooks/messages.
type InboundMessageRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Text        string `json:"text"`
	MessageID   string `json:"messageId,omitempty"`
}

// InboundMessageResponse is the reply to the customer.
type InboundMessageResponse struct {
	OutboundText   string `json:"outboundText"`
	ConversationID string `json:"conversationId"`
	Outcome        string `json:"outcome,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// InboundMessage handles POST /webhooks/messages.
func (h *Handler) InboundMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "messaging.inbound")
	defer span.End()

	var req InboundMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		span.RecordError(err)
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	phone := conversation.NormalizePhone(req.PhoneNumber)
	text := strings.TrimSpace(req.Text)
	if phone == "" || text == "" {
		writeJSONError(w, http.StatusBadRequest, "phoneNumber and text are required")
		return
	}
	messageID := strings.TrimSpace(req.MessageID)
	span.SetAttributes(
		attribute.String("clinic.phone", phone),
		attribute.String("clinic.message_id", messageID),
	)

	fresh, err := h.claim(ctx, providerAPI, messageID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("failed to claim inbound message", "error", err, "message_id", messageID)
		writeJSONError(w, http.StatusInternalServerError, "failed to record message")
		return
	}
	if !fresh {
		h.logger.Info("duplicate inbound message ignored", "message_id", messageID, "phone", phone)
		writeJSON(w, http.StatusOK, InboundMessageResponse{Duplicate: true})
		return
	}

	out, err := h.runTurn(ctx, providerAPI, messageID, conversation.Inbound{Phone: phone, Text: text, MessageID: messageID})
	if err != nil {
		span.RecordError(err)
		status, msg := turnErrorStatus(err)
		writeJSONError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, InboundMessageResponse{
		OutboundText:   out.Text,
		ConversationID: out.ConversationID.String(),
		Outcome:        string(out.Outcome),
	})
}

// TwilioWebhook handles POST /webhooks/twilio and answers with TwiML.
func (h *Handler) TwilioWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "messaging.twilio.webhook")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if h.cfg.TwilioAuthToken != "" {
		webhookURL := h.cfg.TwilioWebhookURL
		if webhookURL == "" {
			webhookURL = buildAbsoluteURL(r)
		}
		if !ValidateTwilioSignature(r, h.cfg.TwilioAuthToken, webhookURL) {
			h.logger.Warn("invalid twilio signature")
			span.RecordError(errors.New("invalid twilio signature"))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	webhook, err := ParseTwilioWebhook(r)
	if err != nil {
		h.logger.Error("failed to parse twilio webhook", "error", err)
		span.RecordError(err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	from := conversation.NormalizePhone(webhook.From)
	body := strings.TrimSpace(webhook.Body)
	span.SetAttributes(
		attribute.String("clinic.twilio.message_sid", webhook.MessageSid),
		attribute.String("clinic.phone", from),
	)
	if webhook.MessageSid == "" || from == "" || body == "" {
		err := errors.New("missing required twilio fields")
		h.logger.Error("invalid twilio payload", "error", err)
		span.RecordError(err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	fresh, err := h.claim(ctx, providerTwilio, webhook.MessageSid)
	if err != nil {
		h.logger.Error("failed to claim twilio message", "error", err, "message_sid", webhook.MessageSid)
		span.RecordError(err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		h.logger.Info("duplicate twilio message ignored", "message_sid", webhook.MessageSid)
		h.writeTwiML(w, "")
		return
	}

	out, err := h.runTurn(ctx, providerTwilio, webhook.MessageSid, conversation.Inbound{
		Phone:     from,
		Text:      body,
		MessageID: webhook.MessageSid,
	})
	if err != nil {
		span.RecordError(err)
		status, _ := turnErrorStatus(err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	h.writeTwiML(w, out.Text)
}

// HealthCheck returns a simple health check response.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// claim reports whether the delivery should be processed. Messages without an
// id cannot be deduplicated and are always processed.
func (h *Handler) claim(ctx context.Context, provider, messageID string) (bool, error) {
	if h.dedupe == nil || messageID == "" {
		return true, nil
	}
	fresh, err := h.dedupe.MarkProcessed(ctx, provider, messageID)
	if err != nil {
		return false, err
	}
	if !fresh {
		h.metrics.ObserveDuplicate()
	}
	return fresh, nil
}

func (h *Handler) runTurn(ctx context.Context, provider, messageID string, in conversation.Inbound) (*conversation.Outbound, error) {
	turnCtx, cancel := context.WithTimeout(ctx, h.cfg.TurnTimeout)
	defer cancel()

	out, err := h.turns.HandleInbound(turnCtx, in)
	if err == nil {
		h.logger.Info("inbound message handled",
			"provider", provider,
			"message_id", messageID,
			"conversation_id", out.ConversationID,
			"outcome", out.Outcome,
		)
		return out, nil
	}

	h.logger.Error("inbound message failed", "error", err, "provider", provider, "message_id", messageID)
	if h.dedupe != nil && messageID != "" {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if relErr := h.dedupe.Release(releaseCtx, provider, messageID); relErr != nil {
			h.logger.Error("failed to release message claim", "error", relErr, "message_id", messageID)
		}
	}
	return nil, err
}

func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrInvalidInbound):
		return http.StatusBadRequest, "phoneNumber and text are required"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timed out waiting for reply"
	case errors.Is(err, conversation.ErrDispatcherClosed):
		return http.StatusServiceUnavailable, "shutting down"
	default:
		return http.StatusInternalServerError, "failed to process message"
	}
}

func (h *Handler) writeTwiML(w http.ResponseWriter, text string) {
	body, err := renderTwiML(text)
	if err != nil {
		h.logger.Error("failed to render twiml", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func buildAbsoluteURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	if r.URL.Scheme != "" {
		return r.URL.String()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}
