package conversation

import (
	"context"

	"github.com/google/uuid"
)

// Store persists conversations and their messages.
type Store interface {
	// GetOrCreateActive returns the phone's ACTIVE conversation, creating one
	// atomically when none exists.
	GetOrCreateActive(ctx context.Context, phone string) (*Conversation, error)
	AppendMessage(ctx context.Context, conversationID uuid.UUID, role Role, content string) (*Message, error)
	// UpdateContext merges partial into the stored context; empty fields are ignored.
	UpdateContext(ctx context.Context, conversationID uuid.UUID, partial Context) (Context, error)
	// History returns messages oldest first.
	History(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
	Get(ctx context.Context, conversationID uuid.UUID) (*Conversation, error)
	Close(ctx context.Context, conversationID uuid.UUID) error
	List(ctx context.Context, filter ListFilter) ([]Summary, error)
}

func validRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant
}
