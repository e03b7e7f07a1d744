// Package orchestrator wires the conversation store and the inference
// transport into the exchange flow the ingress exposes: resolve the user's
// conversation, resolve or create their engine session, journal the prompt
// and start the inference.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/SitoSt/JotaOrchestrator/internal/inference"
	"github.com/SitoSt/JotaOrchestrator/internal/logger"
	"github.com/SitoSt/JotaOrchestrator/internal/metrics"
	"github.com/SitoSt/JotaOrchestrator/internal/store"
)

// Transport is the inference client surface the orchestrator consumes.
type Transport interface {
	Health() bool
	EnsureSession(ctx context.Context, userID string) (string, error)
	RememberSession(userID, sessionID string)
	SessionFor(userID string) (string, bool)
	HasActiveStream(sessionID string) bool
	AbortSession(ctx context.Context, sessionID string) error
	Infer(ctx context.Context, sessionID, prompt, conversationID string, params map[string]interface{}) (*inference.TokenStream, error)
}

// AbortBroadcaster relays abort requests to other instances.
type AbortBroadcaster interface {
	RequestAbort(ctx context.Context, sessionID, userID string) (*inference.AbortResponse, error)
}

// Exchange is one started inference: the conversation it belongs to, the
// engine session carrying it and the live token stream.
type Exchange struct {
	Conversation *store.Conversation
	SessionID    string
	Stream       *inference.TokenStream
}

type Service struct {
	transport     Transport
	store         store.Store
	abort         AbortBroadcaster
	defaultParams map[string]interface{}
	logger        *logger.Logger
}

// NewService builds the orchestrator. abort may be nil when the process
// runs without NATS; aborts then stay instance-local.
func NewService(transport Transport, st store.Store, abort AbortBroadcaster, defaultParams map[string]interface{}, log *logger.Logger) *Service {
	return &Service{
		transport:     transport,
		store:         st,
		abort:         abort,
		defaultParams: defaultParams,
		logger:        log.WithComponent("orchestrator"),
	}
}

// StartExchange resolves the user's conversation and session, journals the
// prompt and starts the inference. The returned exchange's stream is live;
// the caller drains it.
func (s *Service) StartExchange(ctx context.Context, userID, prompt string) (*Exchange, error) {
	log := s.logger.WithContext(ctx)

	conversation, err := s.store.GetOrCreateConversation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	sessionID, err := s.resolveSession(ctx, userID, conversation)
	if err != nil {
		return nil, err
	}

	// The prompt is journaled here, before inference starts; the transport
	// only journals assistant output.
	if err := s.store.SaveMessage(ctx, conversation.ID, store.RoleUser, prompt); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("save_message").Inc()
		log.Error("failed to save user message",
			"conversation_id", conversation.ID,
			"error", err,
		)
	}

	stream, err := s.transport.Infer(ctx, sessionID, prompt, conversation.ID, s.inferParams())
	if err != nil {
		return nil, err
	}

	return &Exchange{
		Conversation: conversation,
		SessionID:    sessionID,
		Stream:       stream,
	}, nil
}

// resolveSession picks the engine session for a user: the live binding
// first, then the one persisted on the conversation, then a fresh one.
func (s *Service) resolveSession(ctx context.Context, userID string, conversation *store.Conversation) (string, error) {
	if sessionID, ok := s.transport.SessionFor(userID); ok {
		return sessionID, nil
	}

	if conversation.InferenceSessionID != "" {
		s.transport.RememberSession(userID, conversation.InferenceSessionID)
		return conversation.InferenceSessionID, nil
	}

	sessionID, err := s.transport.EnsureSession(ctx, userID)
	if err != nil {
		return "", err
	}

	if err := s.store.UpdateConversationSession(ctx, conversation.ID, sessionID); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("update_conversation_session").Inc()
		s.logger.Error("failed to persist session on conversation",
			"conversation_id", conversation.ID,
			"session_id", sessionID,
			"error", err,
		)
	}

	return sessionID, nil
}

// AbortUser stops the user's in-flight generation, on this instance when
// the stream is local, otherwise via the abort broadcaster. Returns false
// when no live session is known for the user.
func (s *Service) AbortUser(ctx context.Context, userID string) (bool, error) {
	sessionID, ok := s.transport.SessionFor(userID)
	if !ok {
		return false, nil
	}

	if s.transport.HasActiveStream(sessionID) || s.abort == nil {
		if err := s.transport.AbortSession(ctx, sessionID); err != nil {
			return false, err
		}
		s.logger.Info("session aborted locally", "user_id", userID, "session_id", sessionID)
		return true, nil
	}

	resp, err := s.abort.RequestAbort(ctx, sessionID, userID)
	if err != nil {
		return false, err
	}
	if !resp.Found {
		// Nobody is streaming it; still tell the engine to stop, best effort.
		if err := s.transport.AbortSession(ctx, sessionID); err != nil {
			return false, err
		}
		return true, nil
	}
	return resp.Aborted, nil
}

// Health reports the engine link and store reachability.
func (s *Service) Health(ctx context.Context) (engineReady, storeHealthy bool) {
	return s.transport.Health(), s.store.Health(ctx)
}

// inferParams hands each exchange its own copy of the configured defaults
// so a caller cannot mutate shared state.
func (s *Service) inferParams() map[string]interface{} {
	if len(s.defaultParams) == 0 {
		return nil
	}
	params := make(map[string]interface{}, len(s.defaultParams))
	for k, v := range s.defaultParams {
		params[k] = v
	}
	return params
}
