package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

var extractorTracer = otel.Tracer("clinicbooking.internal.conversation.extractor")

type IntentKind string

const (
	IntentBook       IntentKind = "book"
	IntentReschedule IntentKind = "reschedule"
	IntentCancel     IntentKind = "cancel"
)

// Intent is a structured request pulled out of the chat. Date and Time are the
// raw YYYY-MM-DD and HH:MM strings the model produced; for a reschedule they
// carry the new slot.
type Intent struct {
	Kind         IntentKind `json:"intent"`
	CustomerName string     `json:"customerName,omitempty"`
	Service      string     `json:"service,omitempty"`
	Date         string     `json:"date,omitempty"`
	Time         string     `json:"time,omitempty"`
	Insurance    string     `json:"insurance,omitempty"`
}

// Extraction is the extractor's answer for one turn. A nil Intent is a plain reply.
type Extraction struct {
	Reply   string
	Intent  *Intent
	Context Context
}

// ExtractionInput is everything besides history the extractor may reason over.
type ExtractionInput struct {
	Context       Context
	Digest        string
	Now           time.Time
	BookableTimes []string
}

// Extractor turns a conversation into a reply and, optionally, an intent.
type Extractor interface {
	Extract(ctx context.Context, history []Message, in ExtractionInput) (Extraction, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, history []Message, in ExtractionInput) (Extraction, error)

func (f ExtractorFunc) Extract(ctx context.Context, history []Message, in ExtractionInput) (Extraction, error) {
	return f(ctx, history, in)
}

// LLMExtractor prompts a model and parses its answer.
type LLMExtractor struct {
	client     LLMClient
	model      string
	clinicName string
	logger     *logging.Logger
}

func NewLLMExtractor(client LLMClient, model, clinicName string, logger *logging.Logger) *LLMExtractor {
	if client == nil {
		panic("conversation: llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LLMExtractor{client: client, model: model, clinicName: clinicName, logger: logger}
}

func (e *LLMExtractor) Extract(ctx context.Context, history []Message, in ExtractionInput) (Extraction, error) {
	ctx, span := extractorTracer.Start(ctx, "conversation.extract")
	defer span.End()
	span.SetAttributes(attribute.Int("clinic.history_length", len(history)))

	resp, err := e.client.Complete(ctx, LLMRequest{
		Model:       e.model,
		System:      []string{BuildSystemPrompt(e.clinicName, in)},
		Messages:    chatMessages(history),
		MaxTokens:   500,
		Temperature: 0.7,
	})
	if err != nil {
		span.RecordError(err)
		return Extraction{}, err
	}

	out, err := ParseReply(resp.Text)
	if err != nil {
		// the visible text is still usable as a plain reply
		e.logger.Warn("discarding malformed intent block", "error", err)
	}
	if out.Intent != nil {
		span.SetAttributes(attribute.String("clinic.intent", string(out.Intent.Kind)))
	}
	return out, nil
}

var ErrScriptExhausted = errors.New("conversation: scripted extractor has no more replies")

// ScriptedExtractor replays canned model answers in order. It backs tests and
// the "scripted" provider for local runs without model credentials.
type ScriptedExtractor struct {
	mu       sync.Mutex
	replies  []string
	fallback string
	calls    int
	logger   *logging.Logger
}

// NewScriptedExtractor returns an extractor answering with replies in turn. Once
// they run out it answers with fallback, or fails when fallback is empty.
func NewScriptedExtractor(fallback string, replies ...string) *ScriptedExtractor {
	return &ScriptedExtractor{replies: replies, fallback: fallback, logger: logging.Discard()}
}

// WithLogger reports malformed scripted answers to logger.
func (s *ScriptedExtractor) WithLogger(logger *logging.Logger) *ScriptedExtractor {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *ScriptedExtractor) Extract(ctx context.Context, _ []Message, _ ExtractionInput) (Extraction, error) {
	if err := ctx.Err(); err != nil {
		return Extraction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	raw := s.fallback
	if len(s.replies) > 0 {
		raw, s.replies = s.replies[0], s.replies[1:]
	} else if raw == "" {
		return Extraction{}, ErrScriptExhausted
	}
	out, err := ParseReply(raw)
	if err != nil {
		s.logger.Warn("discarding malformed intent block", "error", err, "call", s.calls)
	}
	return out, nil
}

func (s *ScriptedExtractor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
