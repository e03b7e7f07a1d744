// Package chat is the HTTP and WebSocket ingress: it parses prompts,
// hands them to the orchestrator and shapes the token stream back to the
// client.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apierrors "github.com/SitoSt/JotaOrchestrator/internal/errors"
	"github.com/SitoSt/JotaOrchestrator/internal/inference"
	"github.com/SitoSt/JotaOrchestrator/internal/logger"
	"github.com/SitoSt/JotaOrchestrator/internal/metrics"
	"github.com/SitoSt/JotaOrchestrator/internal/orchestrator"
	"github.com/SitoSt/JotaOrchestrator/internal/tracking"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// ChatRequest is the REST prompt payload. session_id carries the
// client-supplied end-user identifier, a wire shape older clients rely on.
type ChatRequest struct {
	Text      string `json:"text" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}

// AbortRequest names the user whose generation should stop.
type AbortRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// Handler handles chat ingress requests.
type Handler struct {
	orchestrator *orchestrator.Service
	tracking     *tracking.Service
	logger       *logger.Logger
	appName      string
	appEnv       string
}

func NewHandler(orch *orchestrator.Service, trackingService *tracking.Service, log *logger.Logger, appName, appEnv string) *Handler {
	return &Handler{
		orchestrator: orch,
		tracking:     trackingService,
		logger:       log,
		appName:      appName,
		appEnv:       appEnv,
	}
}

// Root handles GET /.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":     "Welcome to " + h.appName,
		"environment": h.appEnv,
		"status":      "online",
	})
}

// Health handles GET /health. It aggregates the engine link and the
// conversation store; a degraded dependency turns the probe 503.
func (h *Handler) Health(c *gin.Context) {
	engineReady, storeHealthy := h.orchestrator.Health(c.Request.Context())

	status := "ok"
	code := http.StatusOK
	if !engineReady || !storeHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status": status,
		"engine": engineReady,
		"store":  storeHealthy,
	})
}

// Chat handles POST /chat: start the exchange, drain the whole stream and
// answer with the assembled reply.
func (h *Handler) Chat(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("chat_handler")

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "text and session_id are required", nil)
		return
	}

	exchange, err := h.orchestrator.StartExchange(c.Request.Context(), req.SessionID, req.Text)
	if err != nil {
		h.replyStartFailure(c, log, err)
		return
	}

	start := time.Now()
	var reply strings.Builder
	tokenCount := 0
	for token := range exchange.Stream.Tokens() {
		reply.WriteString(token)
		tokenCount++
	}

	h.recordExchange(req.SessionID, exchange, "/chat", tokenCount, time.Since(start))

	if err := exchange.Stream.Err(); err != nil {
		log.Error("inference stream failed",
			slog.String("conversation_id", exchange.Conversation.ID),
			slog.String("error", err.Error()))
		apierrors.AbortWithBadGateway(c, streamFailureMessage(err), nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"response": reply.String(),
	})
}

// WSChat handles GET /ws/chat/:user_id. Every inbound text message is a
// prompt; tokens are relayed as individual text frames. Prompts on one
// connection run sequentially.
func (h *Handler) WSChat(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("chat_ws")

	userID := c.Param("user_id")
	if userID == "" {
		apierrors.AbortWithBadRequest(c, "user_id parameter is required", nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	log.Info("websocket chat opened", slog.String("user_id", userID))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("websocket chat closed",
				slog.String("user_id", userID),
				slog.String("reason", err.Error()))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			continue
		}

		if !h.relayExchange(c.Request.Context(), conn, log, userID, prompt) {
			return
		}
	}
}

// relayExchange runs one prompt and writes its tokens to the socket.
// Returns false when the connection should close.
func (h *Handler) relayExchange(ctx context.Context, conn *websocket.Conn, log *logger.Logger, userID, prompt string) bool {
	exchange, err := h.orchestrator.StartExchange(ctx, userID, prompt)
	if err != nil {
		log.Error("failed to start exchange",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		h.closeWithError(conn, err)
		return false
	}

	start := time.Now()
	tokenCount := 0
	for token := range exchange.Stream.Tokens() {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
			log.Warn("websocket write failed, client gone",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
			h.recordExchange(userID, exchange, "/ws/chat", tokenCount, time.Since(start))
			return false
		}
		tokenCount++
	}

	h.recordExchange(userID, exchange, "/ws/chat", tokenCount, time.Since(start))

	if err := exchange.Stream.Err(); err != nil {
		log.Error("inference stream failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		h.closeWithError(conn, err)
		return false
	}
	return true
}

// closeWithError sends a close frame naming the failure before dropping
// the connection.
func (h *Handler) closeWithError(conn *websocket.Conn, err error) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, streamFailureMessage(err))
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// Abort handles POST /chat/abort.
func (h *Handler) Abort(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("chat_handler")

	var req AbortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "user_id is required", nil)
		return
	}

	found, err := h.orchestrator.AbortUser(c.Request.Context(), req.UserID)
	if err != nil {
		log.Error("abort failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		apierrors.AbortWithBadGateway(c, "failed to abort session", nil)
		return
	}
	if !found {
		apierrors.AbortWithNotFound(c, "no active session for user", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "aborted", "user_id": req.UserID})
}

// Usage handles GET /api/v1/usage/:userID against the tracking database.
func (h *Handler) Usage(c *gin.Context) {
	userID := c.Param("userID")
	if userID == "" {
		apierrors.AbortWithBadRequest(c, "userID parameter is required", nil)
		return
	}

	summary, err := h.tracking.UsageSummary(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("failed to load usage summary",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "failed to load usage summary", nil)
		return
	}

	resp := gin.H{
		"user_id":       summary.UserID,
		"request_count": summary.RequestCount,
		"token_count":   summary.TokenCount,
		"error_count":   summary.ErrorCount,
	}
	if summary.LastRequestAt.Valid {
		resp["last_request_at"] = summary.LastRequestAt.Time
	}
	c.JSON(http.StatusOK, resp)
}

// recordExchange journals the finished exchange to the usage tracker.
// Nil-safe; tracking may be disabled.
func (h *Handler) recordExchange(userID string, exchange *orchestrator.Exchange, endpoint string, tokenCount int, duration time.Duration) {
	info := tracking.ExchangeInfo{
		UserID:         userID,
		ConversationID: exchange.Conversation.ID,
		SessionID:      exchange.SessionID,
		Endpoint:       endpoint,
		Status:         exchangeStatus(exchange.Stream.Err()),
		TokenCount:     tokenCount,
		Duration:       duration,
	}
	if err := exchange.Stream.Err(); err != nil {
		info.ErrorMessage = err.Error()
	}
	_ = h.tracking.RecordAsync(context.Background(), info)
}

func exchangeStatus(err error) string {
	var engineErr *inference.EngineError
	switch {
	case err == nil:
		return metrics.StatusCompleted
	case errors.As(err, &engineErr):
		return metrics.StatusEngineError
	case errors.Is(err, inference.ErrStreamTimeout):
		return metrics.StatusTimeout
	default:
		return metrics.StatusInterrupted
	}
}

// replyStartFailure maps an exchange start failure to an HTTP status: a
// not-ready engine is 503, a session still streaming a previous prompt is
// 409, everything else upstream is 502.
func (h *Handler) replyStartFailure(c *gin.Context, log *logger.Logger, err error) {
	log.Error("failed to start exchange", slog.String("error", err.Error()))

	if errors.Is(err, inference.ErrEngineUnavailable) {
		apierrors.AbortWithServiceUnavailable(c, "inference engine unavailable", nil)
		return
	}
	if errors.Is(err, inference.ErrInferenceInFlight) {
		apierrors.AbortWithConflict(c, "an inference is already in flight for this session", nil)
		return
	}
	if errors.Is(err, inference.ErrSessionCreateTimeout) {
		apierrors.AbortWithBadGateway(c, "session creation timed out", nil)
		return
	}
	apierrors.AbortWithBadGateway(c, "failed to start inference", nil)
}

func streamFailureMessage(err error) string {
	var engineErr *inference.EngineError
	switch {
	case errors.As(err, &engineErr):
		return "engine error: " + engineErr.Message
	case errors.Is(err, inference.ErrStreamTimeout):
		return "inference stream timed out"
	case errors.Is(err, inference.ErrStreamInterrupted):
		return "inference stream interrupted"
	default:
		return "inference failed"
	}
}
