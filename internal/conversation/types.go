package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

var (
	ErrConversationNotFound = errors.New("conversation: not found")
	ErrInvalidRole          = errors.New("conversation: invalid role")
)

// Context holds booking fields collected over several turns.
type Context struct {
	CustomerName string `json:"customerName,omitempty"`
	Service      string `json:"service,omitempty"`
	Date         string `json:"date,omitempty"`
	Time         string `json:"time,omitempty"`
	Insurance    string `json:"insurance,omitempty"`
}

// Merge overlays the non-empty fields of partial.
func (c Context) Merge(partial Context) Context {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&c.CustomerName, partial.CustomerName)
	set(&c.Service, partial.Service)
	set(&c.Date, partial.Date)
	set(&c.Time, partial.Time)
	set(&c.Insurance, partial.Insurance)
	return c
}

func (c Context) IsZero() bool { return c == Context{} }

// Conversation is a chat session with one phone number.
type Conversation struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Status      Status    `json:"status"`
	Context     Context   `json:"context"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message is one immutable chat line. Seq orders messages within a conversation.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	Seq            int       `json:"seq"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ListFilter narrows admin conversation listings.
type ListFilter struct {
	Phone    string
	Statuses []Status
	Limit    int
	Offset   int
}

// Summary is a conversation with its message count for admin listings.
type Summary struct {
	Conversation
	MessageCount int `json:"messageCount"`
}

// NormalizePhone strips formatting so the same number always maps to one session.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "whatsapp:")
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}
