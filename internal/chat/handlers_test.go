package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/SitoSt/JotaOrchestrator/internal/inference"
	"github.com/SitoSt/JotaOrchestrator/internal/logger"
	"github.com/SitoSt/JotaOrchestrator/internal/orchestrator"
	"github.com/SitoSt/JotaOrchestrator/internal/store"
)

// wireFrame mirrors the engine protocol for the test server.
type wireFrame map[string]interface{}

// testEngine is a scripted engine: auth succeeds, create_session hands out
// "test-sess" and onInfer scripts each inference.
type testEngine struct {
	server  *httptest.Server
	onInfer func(send func(wireFrame), sessionID string)
}

func newTestEngine(t *testing.T, onInfer func(send func(wireFrame), sessionID string)) *testEngine {
	e := &testEngine{onInfer: onInfer}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var writeMu sync.Mutex
		send := func(fr wireFrame) {
			data, _ := json.Marshal(fr)
			writeMu.Lock()
			defer writeMu.Unlock()
			conn.WriteMessage(websocket.TextMessage, data)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var fr wireFrame
			if err := json.Unmarshal(data, &fr); err != nil {
				continue
			}
			switch fr["op"] {
			case "auth":
				send(wireFrame{"op": "auth_success"})
			case "create_session":
				send(wireFrame{"op": "session_created", "session_id": "test-sess"})
			case "infer":
				sessionID, _ := fr["session_id"].(string)
				e.onInfer(send, sessionID)
			case "abort":
				// accepted silently
			}
		}
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *testEngine) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

// memoryStore is an in-memory store.Store.
type memoryStore struct {
	mu       sync.Mutex
	healthy  bool
	messages []string
}

func (m *memoryStore) ValidateClientKey(ctx context.Context, clientKey string) (bool, error) {
	return clientKey == "valid-key", nil
}

func (m *memoryStore) GetOrCreateConversation(ctx context.Context, userID string) (*store.Conversation, error) {
	return &store.Conversation{ID: "conv-" + userID, UserID: userID, Status: store.StatusActive}, nil
}

func (m *memoryStore) UpdateConversationSession(ctx context.Context, conversationID, sessionID string) error {
	return nil
}

func (m *memoryStore) SaveMessage(ctx context.Context, conversationID, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, role+":"+content)
	return nil
}

func (m *memoryStore) MarkConversationError(ctx context.Context, conversationID string) error {
	return nil
}

func (m *memoryStore) Health(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

type testApp struct {
	router    *gin.Engine
	store     *memoryStore
	transport *inference.Client
}

func setupTestApp(t *testing.T, engineURL string, clientKeyRequired bool) *testApp {
	gin.SetMode(gin.TestMode)
	log := logger.New(logger.Config{Level: slog.LevelError})

	st := &memoryStore{healthy: true}
	transport := inference.NewClient(inference.Config{
		URL:            engineURL,
		ClientID:       "test",
		APIKey:         "secret",
		BackoffInitial: 20 * time.Millisecond,
	}, st, log)
	transport.Connect()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = transport.Shutdown(ctx)
	})

	if engineURL != "" {
		deadline := time.Now().Add(3 * time.Second)
		for !transport.Health() {
			if time.Now().After(deadline) {
				t.Fatal("transport never became ready")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	orch := orchestrator.NewService(transport, st, nil, map[string]interface{}{"temp": 0.7}, log)
	handler := NewHandler(orch, nil, log, "JotaOrchestrator", "test")

	router := gin.New()
	router.GET("/", handler.Root)
	router.GET("/health", handler.Health)

	protected := router.Group("/")
	if clientKeyRequired {
		protected.Use(RequireClientKey(st, log))
	}
	protected.POST("/chat", handler.Chat)
	protected.POST("/chat/abort", handler.Abort)
	protected.GET("/ws/chat/:user_id", handler.WSChat)

	return &testApp{router: router, store: st, transport: transport}
}

func postJSON(app *testApp, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	app.router.ServeHTTP(w, req)
	return w
}

func TestChatHappyPath(t *testing.T) {
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {
		for _, tok := range []string{"Hel", "lo"} {
			send(wireFrame{"op": "token", "session_id": sessionID, "content": tok})
		}
		send(wireFrame{"op": "end", "session_id": sessionID})
	})
	app := setupTestApp(t, engine.url(), false)

	w := postJSON(app, "/chat", `{"text":"Hi","session_id":"u1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status   string `json:"status"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Status != "success" || resp.Response != "Hello" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestChatRejectsBadBody(t *testing.T) {
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {})
	app := setupTestApp(t, engine.url(), false)

	w := postJSON(app, "/chat", `{"text":"Hi"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestChatEngineUnavailable(t *testing.T) {
	// Nothing is listening at this address; the transport never gets ready.
	app := setupTestApp(t, "", false)

	w := postJSON(app, "/chat", `{"text":"Hi","session_id":"u1"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: %s", w.Code, w.Body.String())
	}
}

func TestChatEngineErrorMidStream(t *testing.T) {
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {
		send(wireFrame{"op": "token", "session_id": sessionID, "content": "par"})
		send(wireFrame{"op": "error", "session_id": sessionID, "message": "boom"})
	})
	app := setupTestApp(t, engine.url(), false)

	w := postJSON(app, "/chat", `{"text":"Hi","session_id":"u1"}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "boom") {
		t.Errorf("error body should carry the engine message: %s", w.Body.String())
	}
}

func TestChatConcurrentSameSessionConflict(t *testing.T) {
	release := make(chan struct{})
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {
		go func() {
			<-release
			send(wireFrame{"op": "token", "session_id": sessionID, "content": "ok"})
			send(wireFrame{"op": "end", "session_id": sessionID})
		}()
	})
	app := setupTestApp(t, engine.url(), false)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- postJSON(app, "/chat", `{"text":"Hi","session_id":"u1"}`, nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !app.transport.HasActiveStream("test-sess") {
		if time.Now().After(deadline) {
			t.Fatal("first exchange never started streaming")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The session is busy; a second prompt must not split its stream.
	w := postJSON(app, "/chat", `{"text":"again","session_id":"u1"}`, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", w.Code, w.Body.String())
	}

	close(release)
	if w := <-first; w.Code != http.StatusOK {
		t.Errorf("first request: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAbortUnknownUser(t *testing.T) {
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {})
	app := setupTestApp(t, engine.url(), false)

	w := postJSON(app, "/chat/abort", `{"user_id":"stranger"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRootEndpoint(t *testing.T) {
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {})
	app := setupTestApp(t, engine.url(), false)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	app.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Welcome to JotaOrchestrator") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {})
	app := setupTestApp(t, engine.url(), false)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	app.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	app.store.mu.Lock()
	app.store.healthy = false
	app.store.mu.Unlock()

	w = httptest.NewRecorder()
	app.router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when store is down", w.Code)
	}
}

func TestClientKeyMiddleware(t *testing.T) {
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {
		send(wireFrame{"op": "end", "session_id": sessionID})
	})
	app := setupTestApp(t, engine.url(), true)

	w := postJSON(app, "/chat", `{"text":"Hi","session_id":"u1"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}

	w = postJSON(app, "/chat", `{"text":"Hi","session_id":"u1"}`, map[string]string{"X-Client-Key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("invalid key: status = %d, want 401", w.Code)
	}

	w = postJSON(app, "/chat", `{"text":"Hi","session_id":"u1"}`, map[string]string{"X-Client-Key": "valid-key"})
	if w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestWebSocketChat(t *testing.T) {
	engine := newTestEngine(t, func(send func(wireFrame), sessionID string) {
		for _, tok := range []string{"He", "y"} {
			send(wireFrame{"op": "token", "session_id": sessionID, "content": tok})
		}
		send(wireFrame{"op": "end", "session_id": sessionID})
	})
	app := setupTestApp(t, engine.url(), false)

	ingress := httptest.NewServer(app.router)
	defer ingress.Close()

	wsURL := "ws" + strings.TrimPrefix(ingress.URL, "http") + "/ws/chat/u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("Hi")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got []string
	for len(got) < 2 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed after %v: %v", got, err)
		}
		got = append(got, string(data))
	}
	if got[0] != "He" || got[1] != "y" {
		t.Errorf("tokens = %v, want [He y]", got)
	}

	// A second prompt on the same connection works.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("again")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "He" {
		t.Errorf("second exchange first token = %q", data)
	}
}
