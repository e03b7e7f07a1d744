package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SitoSt/JotaOrchestrator/internal/logger"
)

const requestTimeout = 10 * time.Second

// Client talks to the JotaDB REST service. All requests carry the
// configured API key as a bearer token.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: log.WithComponent("store"),
	}
}

type createConversationRequest struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type updateSessionRequest struct {
	InferenceSessionID string `json:"inference_session_id"`
}

type saveMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// ValidateClientKey reports whether the key is registered with JotaDB.
// An unknown key is not an error, only an invalid one.
func (c *Client) ValidateClientKey(ctx context.Context, clientKey string) (bool, error) {
	endpoint := c.baseURL + "/auth/client?client_key=" + url.QueryEscape(clientKey)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to call jotadb: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("jotadb returned status %d", resp.StatusCode)
	}
}

// GetOrCreateConversation returns the user's active conversation, creating
// one when the lookup comes back empty.
func (c *Client) GetOrCreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	query := url.Values{}
	query.Set("user_id", userID)
	query.Set("status", StatusActive)
	endpoint := c.baseURL + "/chat/conversation?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call jotadb: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var conversations []Conversation
		if err := json.NewDecoder(resp.Body).Decode(&conversations); err != nil {
			return nil, fmt.Errorf("failed to decode conversations: %w", err)
		}
		if len(conversations) > 0 {
			return &conversations[0], nil
		}
	case http.StatusNotFound:
		// No active conversation yet, fall through to create.
	default:
		return nil, fmt.Errorf("jotadb returned status %d", resp.StatusCode)
	}

	return c.createConversation(ctx, userID)
}

func (c *Client) createConversation(ctx context.Context, userID string) (*Conversation, error) {
	jsonBody, err := json.Marshal(createConversationRequest{
		UserID: userID,
		Status: StatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/conversation", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call jotadb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("jotadb returned status %d", resp.StatusCode)
	}

	var conversation Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conversation); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}

	c.logger.Info("conversation created",
		"conversation_id", conversation.ID,
		"user_id", userID,
	)

	return &conversation, nil
}

// UpdateConversationSession binds an inference session to a conversation.
func (c *Client) UpdateConversationSession(ctx context.Context, conversationID, sessionID string) error {
	jsonBody, err := json.Marshal(updateSessionRequest{InferenceSessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/conversation/" + url.PathEscape(conversationID) + "/session"
	req, err := http.NewRequestWithContext(ctx, "PATCH", endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call jotadb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jotadb returned status %d", resp.StatusCode)
	}

	return nil
}

// SaveMessage appends a message to a conversation.
func (c *Client) SaveMessage(ctx context.Context, conversationID, role, content string) error {
	jsonBody, err := json.Marshal(saveMessageRequest{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/message", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call jotadb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("jotadb returned status %d", resp.StatusCode)
	}

	return nil
}

// MarkConversationError flags a conversation whose exchange failed.
func (c *Client) MarkConversationError(ctx context.Context, conversationID string) error {
	jsonBody, err := json.Marshal(updateStatusRequest{Status: StatusError})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/conversation/" + url.PathEscape(conversationID)
	req, err := http.NewRequestWithContext(ctx, "PATCH", endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call jotadb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jotadb returned status %d", resp.StatusCode)
	}

	return nil
}

// Health reports whether JotaDB answers its health endpoint.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("store health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
