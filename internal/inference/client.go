// Package inference maintains the single long-lived WebSocket link to the
// inference engine: one supervisor goroutine owns the connection and its
// reconnect policy, one read pump dispatches inbound frames, and the
// request API (CreateSession, Infer, AbortSession) stays non-blocking with
// respect to reconnects.
package inference

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SitoSt/JotaOrchestrator/internal/logger"
	"github.com/SitoSt/JotaOrchestrator/internal/metrics"
)

const handshakeTimeout = 10 * time.Second

// State is the supervisor's externally visible connection state.
type State int32

const (
	StateDisconnected State = iota
	StateDialing
	StateAuthenticating
	StateReady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDialing:
		return "dialing"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Config carries the engine connection settings. Zero durations fall back
// to production defaults.
type Config struct {
	URL       string
	ClientID  string
	APIKey    string
	JotaDBURL string
	SSLVerify bool

	AuthTimeout             time.Duration
	SessionCreateTimeout    time.Duration
	StreamInactivityTimeout time.Duration
	BackoffInitial          time.Duration
	BackoffMax              time.Duration
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.SessionCreateTimeout == 0 {
		c.SessionCreateTimeout = 5 * time.Second
	}
	if c.StreamInactivityTimeout == 0 {
		c.StreamInactivityTimeout = 30 * time.Second
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 60 * time.Second
	}
}

// ConversationJournal persists what the engine says. The JotaDB store
// client implements it.
type ConversationJournal interface {
	SaveMessage(ctx context.Context, conversationID, role, content string) error
	MarkConversationError(ctx context.Context, conversationID string) error
}

// Client is the inference transport. One instance serves the whole
// process; construct it with NewClient, call Connect once at startup and
// Shutdown once at exit.
type Client struct {
	cfg     Config
	journal ConversationJournal
	logger  *logger.Logger

	registry *sessionRegistry

	state atomic.Int32

	// mu guards conn and the two waiter slots.
	mu        sync.Mutex
	conn      *websocket.Conn
	authCh    chan error
	sessionCh chan string

	// writeMu serializes socket writes; gorilla allows one writer at a time
	// and the protocol requires frames to hit the wire whole.
	writeMu sync.Mutex

	// createMu serializes the entire create_session request/response pair.
	// The protocol has no correlation id, so the reply can only be matched
	// to the single outstanding request. EnsureSession holds it across its
	// lookup as well so one user never gets two sessions.
	createMu sync.Mutex

	started   atomic.Bool
	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}

	streamWg sync.WaitGroup
}

func NewClient(cfg Config, journal ConversationJournal, log *logger.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		journal:  journal,
		logger:   log.WithComponent("inference"),
		registry: newSessionRegistry(),
		runDone:  make(chan struct{}),
	}
}

// Connect starts the connection supervisor. Idempotent, and returns
// without waiting for the link to become ready.
func (c *Client) Connect() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	go c.run(c.runCtx)
}

// run owns the connection for the client's whole life: dial, authenticate,
// pump, back off, repeat. Backoff doubles from BackoffInitial up to
// BackoffMax and resets only after a successful authentication.
func (c *Client) run(ctx context.Context) {
	defer close(c.runDone)

	backoff := c.cfg.BackoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateDialing)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setState(StateDisconnected)
			c.logger.Warn("engine dial failed",
				"url", c.cfg.URL,
				"retry_in", backoff,
				"error", err,
			)
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = c.nextBackoff(backoff)
			continue
		}

		metrics.EngineConnectsTotal.Inc()
		c.setState(StateAuthenticating)

		authCh := make(chan error, 1)
		pumpDone := make(chan struct{})

		c.mu.Lock()
		c.conn = conn
		c.authCh = authCh
		c.mu.Unlock()

		go c.readPump(ctx, conn, pumpDone)

		authErr := c.awaitAuth(ctx, authCh, pumpDone)
		if ctx.Err() != nil {
			c.teardown(conn, pumpDone)
			return
		}
		if authErr != nil {
			metrics.EngineAuthFailuresTotal.Inc()
			c.logger.Error("engine authentication failed",
				"retry_in", backoff,
				"error", authErr,
			)
			c.teardown(conn, pumpDone)
			c.setState(StateDisconnected)
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = c.nextBackoff(backoff)
			continue
		}

		c.setState(StateReady)
		backoff = c.cfg.BackoffInitial
		c.logger.Info("engine connection ready", "url", c.cfg.URL)

		select {
		case <-pumpDone:
			metrics.EngineDisconnectsTotal.Inc()
			if ctx.Err() != nil {
				c.teardown(conn, pumpDone)
				return
			}
			c.setState(StateDisconnected)
			c.logger.Warn("engine connection lost", "retry_in", backoff)
			c.teardown(conn, pumpDone)
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = c.nextBackoff(backoff)
		case <-ctx.Done():
			c.teardown(conn, pumpDone)
			return
		}
	}
}

// awaitAuth sends the auth frame and waits for the handshake verdict.
func (c *Client) awaitAuth(ctx context.Context, authCh chan error, pumpDone chan struct{}) error {
	if err := c.writeFrame(newAuthFrame(c.cfg.ClientID, c.cfg.APIKey, c.cfg.JotaDBURL)); err != nil {
		return fmt.Errorf("failed to send auth frame: %w", err)
	}

	timer := time.NewTimer(c.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case err := <-authCh:
		return err
	case <-timer.C:
		return fmt.Errorf("no auth response within %v", c.cfg.AuthTimeout)
	case <-pumpDone:
		return fmt.Errorf("connection closed during authentication")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if strings.HasPrefix(c.cfg.URL, "wss://") {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: !c.cfg.SSLVerify}
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// teardown closes the socket and waits for its read pump to finish.
func (c *Client) teardown(conn *websocket.Conn, pumpDone chan struct{}) {
	conn.Close()
	<-pumpDone

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.authCh = nil
	c.mu.Unlock()
}

// sleep waits out one backoff period. Returns false when ctx ends first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > c.cfg.BackoffMax {
		next = c.cfg.BackoffMax
	}
	return next
}

// readPump is the connection's only reader. It dispatches frames until the
// socket fails, then closes every live delivery channel so in-flight
// streams observe the loss after everything that arrived before it.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, pumpDone chan struct{}) {
	defer close(pumpDone)
	defer c.registry.closeAll()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("engine read failed", "error", err)
			}
			return
		}

		fr, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		metrics.FramesReceivedTotal.WithLabelValues(fr.Op).Inc()
		c.dispatch(ctx, fr)
	}
}

func (c *Client) dispatch(ctx context.Context, fr *Frame) {
	switch fr.Op {
	case opHello:
		c.logger.Info("engine hello", "message", fr.Message)

	case opAuthSuccess:
		if !c.completeAuth(nil) {
			c.logger.Warn("auth_success with no pending handshake")
			return
		}
		c.logger.Info("engine authentication succeeded",
			"client_id", fr.ClientID,
			"max_sessions", fr.MaxSessions,
		)

	case opSessionCreated:
		c.completeSessionCreate(fr.SessionID)

	case opToken, opEnd:
		if !c.registry.route(ctx, fr.SessionID, fr) {
			c.logger.Warn("dropping frame for unknown session",
				"op", fr.Op,
				"session_id", fr.SessionID,
			)
		}

	case opError:
		// A pending handshake claims engine errors first; they are fatal
		// for the connection attempt. Otherwise the error belongs to the
		// session it names.
		if c.completeAuth(&EngineError{Message: fr.ErrorText()}) {
			return
		}
		if fr.SessionID != "" && c.registry.route(ctx, fr.SessionID, fr) {
			return
		}
		c.logger.Error("engine reported error",
			"session_id", fr.SessionID,
			"message", fr.ErrorText(),
		)

	default:
		c.logger.Warn("ignoring unknown op", "op", fr.Op)
	}
}

// completeAuth resolves the pending auth waiter. Returns false when no
// handshake is waiting.
func (c *Client) completeAuth(err error) bool {
	c.mu.Lock()
	ch := c.authCh
	c.authCh = nil
	c.mu.Unlock()

	if ch == nil {
		return false
	}
	ch <- err
	return true
}

// completeSessionCreate resolves the pending create_session waiter. The
// reply carries no correlation id; creates are serialized so at most one
// waiter exists.
func (c *Client) completeSessionCreate(sessionID string) {
	c.mu.Lock()
	ch := c.sessionCh
	c.sessionCh = nil
	c.mu.Unlock()

	if ch == nil {
		c.logger.Warn("session_created with no pending create", "session_id", sessionID)
		return
	}
	ch <- sessionID
}

// writeFrame marshals and writes one frame as a single text message.
func (c *Client) writeFrame(fr *Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrEngineUnavailable
	}

	data, err := fr.encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", fr.Op, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Health reports whether the engine link is authenticated and ready.
func (c *Client) Health() bool {
	return c.State() == StateReady
}

// CreateSession asks the engine for a new inference session.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()
	return c.createSessionLocked(ctx)
}

func (c *Client) createSessionLocked(ctx context.Context) (string, error) {
	if c.State() != StateReady {
		return "", ErrEngineUnavailable
	}

	ch := make(chan string, 1)
	c.mu.Lock()
	c.sessionCh = ch
	c.mu.Unlock()

	clearWaiter := func() {
		c.mu.Lock()
		if c.sessionCh == ch {
			c.sessionCh = nil
		}
		c.mu.Unlock()
	}

	if err := c.writeFrame(newCreateSessionFrame()); err != nil {
		clearWaiter()
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	timer := time.NewTimer(c.cfg.SessionCreateTimeout)
	defer timer.Stop()

	select {
	case sessionID := <-ch:
		metrics.SessionsCreatedTotal.Inc()
		return sessionID, nil
	case <-timer.C:
		clearWaiter()
		return "", ErrSessionCreateTimeout
	case <-c.runCtx.Done():
		clearWaiter()
		return "", ErrEngineUnavailable
	case <-ctx.Done():
		clearWaiter()
		return "", ctx.Err()
	}
}

// EnsureSession returns the user's engine session, creating and
// remembering one when none exists. Lookup and create happen under the
// creation mutex so concurrent calls for one user cannot both create.
func (c *Client) EnsureSession(ctx context.Context, userID string) (string, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	if sessionID, ok := c.registry.lookupUser(userID); ok {
		return sessionID, nil
	}

	sessionID, err := c.createSessionLocked(ctx)
	if err != nil {
		return "", err
	}

	c.registry.rememberUser(userID, sessionID)
	c.logger.Info("session created", "user_id", userID, "session_id", sessionID)
	return sessionID, nil
}

// RememberSession seeds the user to session binding, typically from a
// conversation record persisted by an earlier run.
func (c *Client) RememberSession(userID, sessionID string) {
	c.registry.rememberUser(userID, sessionID)
}

// ForgetSession drops the user to session binding.
func (c *Client) ForgetSession(userID string) {
	c.registry.forgetUser(userID)
}

// SessionFor returns the session currently bound to a user.
func (c *Client) SessionFor(userID string) (string, bool) {
	return c.registry.lookupUser(userID)
}

// HasActiveStream reports whether this instance is consuming the session's
// delivery channel right now.
func (c *Client) HasActiveStream(sessionID string) bool {
	return c.registry.active(sessionID)
}

// AbortSession tells the engine to stop a session's in-flight generation.
// Best effort: when the link is down there is nothing to abort.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	if c.State() != StateReady {
		return nil
	}
	return c.writeFrame(newAbortFrame(sessionID))
}

func defaultInferParams() map[string]interface{} {
	return map[string]interface{}{"temp": 0.7}
}

// Infer starts one inference exchange and returns its token stream. The
// stream ends when the engine sends end, reports an error, goes silent
// past the inactivity deadline, or the connection drops. Whatever output
// arrived is journaled against the conversation; on failure the partial
// reply is saved with an " [INTERRUPTED]" marker and the conversation is
// marked errored.
//
// A session runs at most one inference at a time: a call for a session
// whose previous stream has not yet terminated fails with
// ErrInferenceInFlight.
func (c *Client) Infer(ctx context.Context, sessionID, prompt, conversationID string, params map[string]interface{}) (*TokenStream, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if params == nil {
		params = defaultInferParams()
	}

	d, ok := c.registry.attach(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrInferenceInFlight, sessionID)
	}

	if c.State() != StateReady {
		c.registry.detach(sessionID)
		return nil, ErrEngineUnavailable
	}

	if err := c.writeFrame(newInferFrame(sessionID, prompt, params)); err != nil {
		c.registry.detach(sessionID)
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	stream := newTokenStream()
	c.streamWg.Add(1)
	go c.consumeStream(ctx, d, stream, sessionID, conversationID)

	return stream, nil
}

// Shutdown drains the transport: no new work is accepted, in-flight
// streams observe the interruption and run their journaling, and the
// supervisor exits. Bounded by ctx.
func (c *Client) Shutdown(ctx context.Context) error {
	c.setState(StateDraining)
	c.logger.Info("inference transport draining")

	if c.runCancel != nil {
		c.runCancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		if c.started.Load() {
			<-c.runDone
		}
		c.streamWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("inference transport drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("inference transport shutdown timed out: %w", ctx.Err())
	}
}
