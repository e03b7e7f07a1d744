package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SitoSt/JotaOrchestrator/internal/logger"
)

const (
	// NATS subject for session abort requests
	abortSubject = "inference.abort.request"

	// Timeout for distributed abort requests
	distributedAbortTimeout = 5 * time.Second
)

// AbortRequest asks whichever instance is streaming a session to abort it.
type AbortRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// AbortResponse reports the result from the instance that owned the stream.
type AbortResponse struct {
	Aborted    bool   `json:"aborted"`
	Found      bool   `json:"found"`
	Error      string `json:"error,omitempty"`
	InstanceID string `json:"instance_id"`
}

// DistributedAbortService relays abort requests across instances via NATS.
//
// Delivery channels live in-memory on the instance that issued the infer,
// so an abort arriving at another instance cannot see the stream. The
// request is broadcast on NATS request-reply; only the instance whose
// registry holds the session answers, the others stay silent.
type DistributedAbortService struct {
	nc           *nats.Conn
	client       *Client
	logger       *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewDistributedAbortService creates the service. Returns nil when NATS
// is not configured; callers fall back to local-only aborts.
func NewDistributedAbortService(nc *nats.Conn, client *Client, log *logger.Logger, instanceID string) *DistributedAbortService {
	if nc == nil {
		return nil
	}

	return &DistributedAbortService{
		nc:         nc,
		client:     client,
		logger:     log.WithComponent("distributed-abort"),
		instanceID: instanceID,
	}
}

// Start begins listening for abort requests from other instances.
func (s *DistributedAbortService) Start() error {
	sub, err := s.nc.Subscribe(abortSubject, s.handleAbortRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", abortSubject, err)
	}

	s.subscription = sub
	s.logger.Info("distributed abort service started",
		slog.String("subject", abortSubject),
		slog.String("instance_id", s.instanceID))

	return nil
}

// Stop gracefully shuts down the service.
func (s *DistributedAbortService) Stop() error {
	if s == nil {
		return nil
	}
	if s.subscription != nil {
		if err := s.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	s.logger.Info("distributed abort service stopped")
	return nil
}

// RequestAbort asks all instances to abort a session and waits for the
// owner's answer. A silent timeout means no instance is streaming it.
func (s *DistributedAbortService) RequestAbort(ctx context.Context, sessionID, userID string) (*AbortResponse, error) {
	req := AbortRequest{
		SessionID: sessionID,
		UserID:    userID,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, distributedAbortTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, abortSubject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return &AbortResponse{Found: false}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return &AbortResponse{Found: false}, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("abort request failed: %w", err)
	}

	var resp AbortResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

// handleAbortRequest processes abort requests from other instances. Only
// the instance consuming the session's stream replies; everyone else stays
// silent so the owner's answer is the one the requester sees.
func (s *DistributedAbortService) handleAbortRequest(msg *nats.Msg) {
	var req AbortRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("received invalid abort request", slog.String("error", err.Error()))
		return
	}

	if !s.client.HasActiveStream(req.SessionID) {
		s.logger.Debug("session not streamed by this instance, ignoring",
			slog.String("session_id", req.SessionID))
		return
	}

	resp := AbortResponse{
		Found:      true,
		InstanceID: s.instanceID,
	}
	if err := s.client.AbortSession(context.Background(), req.SessionID); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Aborted = true
	}

	s.reply(msg, resp)

	s.logger.Info("processed distributed abort request",
		slog.String("session_id", req.SessionID),
		slog.String("user_id", req.UserID),
		slog.Bool("aborted", resp.Aborted))
}

func (s *DistributedAbortService) reply(msg *nats.Msg, resp AbortResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		return
	}

	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send response", slog.String("error", err.Error()))
	}
}
