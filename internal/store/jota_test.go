package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SitoSt/JotaOrchestrator/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func TestValidateClientKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/client" {
			t.Errorf("path = %q, want /auth/client", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer db-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("client_key") == "valid" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())

	valid, err := c.ValidateClientKey(context.Background(), "valid")
	if err != nil || !valid {
		t.Errorf("ValidateClientKey(valid) = %v, %v", valid, err)
	}

	valid, err = c.ValidateClientKey(context.Background(), "bogus")
	if err != nil {
		t.Errorf("unknown key should not be an error: %v", err)
	}
	if valid {
		t.Error("bogus key reported valid")
	}
}

func TestGetOrCreateConversationReturnsExisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" || r.URL.Path != "/chat/conversation" {
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("user_id") != "u1" || r.URL.Query().Get("status") != "active" {
			t.Errorf("unexpected query: %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode([]Conversation{
			{ID: "c1", UserID: "u1", Status: StatusActive, InferenceSessionID: "s1"},
			{ID: "c2", UserID: "u1", Status: StatusActive},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())
	conversation, err := c.GetOrCreateConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	if conversation.ID != "c1" || conversation.InferenceSessionID != "s1" {
		t.Errorf("expected first listed conversation, got %+v", conversation)
	}
}

func TestGetOrCreateConversationCreatesOnMiss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET":
			json.NewEncoder(w).Encode([]Conversation{})
		case r.Method == "POST":
			var req struct {
				UserID string `json:"user_id"`
				Status string `json:"status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("bad create payload: %v", err)
			}
			if req.UserID != "u1" || req.Status != "active" {
				t.Errorf("unexpected create payload: %+v", req)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(Conversation{ID: "c-new", UserID: "u1", Status: StatusActive})
		default:
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())
	conversation, err := c.GetOrCreateConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	if conversation.ID != "c-new" {
		t.Errorf("conversation.ID = %q, want c-new", conversation.ID)
	}
}

func TestGetOrCreateConversationCreatesOn404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(Conversation{ID: "c-new", UserID: "u1", Status: StatusActive})
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())
	conversation, err := c.GetOrCreateConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	if conversation.ID != "c-new" {
		t.Errorf("conversation.ID = %q, want c-new", conversation.ID)
	}
}

func TestUpdateConversationSession(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != "PATCH" || r.URL.Path != "/chat/conversation/c1/session" {
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			InferenceSessionID string `json:"inference_session_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.InferenceSessionID != "s1" {
			t.Errorf("inference_session_id = %q, want s1", req.InferenceSessionID)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())
	if err := c.UpdateConversationSession(context.Background(), "c1", "s1"); err != nil {
		t.Fatalf("UpdateConversationSession failed: %v", err)
	}
	if !called {
		t.Error("no request was made")
	}
}

func TestSaveMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/chat/message" {
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			ConversationID string `json:"conversation_id"`
			Role           string `json:"role"`
			Content        string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ConversationID != "c1" || req.Role != RoleAssistant || req.Content != "hello" {
			t.Errorf("unexpected payload: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())
	if err := c.SaveMessage(context.Background(), "c1", RoleAssistant, "hello"); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
}

func TestSaveMessageSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())
	if err := c.SaveMessage(context.Background(), "c1", RoleUser, "hello"); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestMarkConversationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PATCH" || r.URL.Path != "/chat/conversation/c1" {
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Status string `json:"status"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Status != StatusError {
			t.Errorf("status = %q, want error", req.Status)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())
	if err := c.MarkConversationError(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkConversationError failed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "db-key", testLogger())
	if !c.Health(context.Background()) {
		t.Error("Health() = false for healthy store")
	}

	healthy = false
	if c.Health(context.Background()) {
		t.Error("Health() = true for unhealthy store")
	}
}
