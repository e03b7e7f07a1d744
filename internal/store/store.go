package store

import "context"

// Message roles recorded against a conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation statuses known to the store.
const (
	StatusActive = "active"
	StatusError  = "error"
)

// Conversation is a user's active exchange thread as the store records it.
type Conversation struct {
	ID                 string `json:"id"`
	UserID             string `json:"user_id"`
	Status             string `json:"status"`
	InferenceSessionID string `json:"inference_session_id,omitempty"`
}

// Store is the conversation persistence contract. The transport journals
// assistant output through it and the ingress resolves conversations and
// validates client keys against it.
type Store interface {
	// ValidateClientKey reports whether the given client key is registered.
	ValidateClientKey(ctx context.Context, clientKey string) (bool, error)

	// GetOrCreateConversation returns the user's active conversation,
	// creating one when none exists.
	GetOrCreateConversation(ctx context.Context, userID string) (*Conversation, error)

	// UpdateConversationSession records the inference session bound to a
	// conversation so it can be reused after restarts.
	UpdateConversationSession(ctx context.Context, conversationID, sessionID string) error

	// SaveMessage appends a message to a conversation.
	SaveMessage(ctx context.Context, conversationID, role, content string) error

	// MarkConversationError flags a conversation whose exchange failed.
	MarkConversationError(ctx context.Context, conversationID string) error

	// Health reports whether the store is reachable.
	Health(ctx context.Context) bool
}
