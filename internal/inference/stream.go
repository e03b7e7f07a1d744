package inference

import (
	"context"
	"strings"
	"time"

	"github.com/SitoSt/JotaOrchestrator/internal/metrics"
	"github.com/SitoSt/JotaOrchestrator/internal/store"
)

const tokenBuffer = 16

// TokenStream is one inference's output: a lazy, single-shot, ordered
// sequence of token fragments. Tokens closes when the stream terminates;
// after that, Err reports how it ended and Text holds the accumulated
// reply.
type TokenStream struct {
	tokens chan string
	err    error
	text   string
}

func newTokenStream() *TokenStream {
	return &TokenStream{tokens: make(chan string, tokenBuffer)}
}

// Tokens returns the fragment channel. It closes on success and on
// failure alike; check Err after it closes.
func (s *TokenStream) Tokens() <-chan string {
	return s.tokens
}

// Err reports how the stream ended. Only valid after Tokens has closed.
// nil means the engine sent a clean end frame.
func (s *TokenStream) Err() error {
	return s.err
}

// Text returns the reply accumulated before the stream ended. Only valid
// after Tokens has closed.
func (s *TokenStream) Text() string {
	return s.text
}

// consumeStream owns one inference's delivery channel: it forwards tokens
// to the caller, enforces the per-frame inactivity deadline, and runs the
// journaling side effects when the stream terminates.
func (c *Client) consumeStream(ctx context.Context, d *delivery, stream *TokenStream, sessionID, conversationID string) {
	start := time.Now()
	metrics.ActiveStreams.Inc()

	defer c.streamWg.Done()
	defer metrics.ActiveStreams.Dec()
	defer c.registry.detach(sessionID)

	log := c.logger.With("session_id", sessionID, "conversation_id", conversationID)

	var acc strings.Builder
	timer := time.NewTimer(c.cfg.StreamInactivityTimeout)
	defer timer.Stop()

	// finish publishes the terminal state before closing the channel, so
	// Err and Text are safe to read once Tokens is closed.
	finish := func(err error, status string) {
		stream.text = acc.String()
		stream.err = err
		close(stream.tokens)
		metrics.InferencesTotal.WithLabelValues(status).Inc()
		metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	}

	interrupted := func(reason string) {
		log.Warn("inference stream interrupted", "reason", reason, "partial_len", acc.Len())
		c.journalFailure(conversationID, acc.String())
		finish(ErrStreamInterrupted, metrics.StatusInterrupted)
	}

	for {
		select {
		case fr, ok := <-d.frames:
			if !ok {
				interrupted("connection lost")
				return
			}
			timer.Reset(c.cfg.StreamInactivityTimeout)

			switch fr.Op {
			case opToken:
				acc.WriteString(fr.Content)
				metrics.TokensStreamedTotal.Inc()
				select {
				case stream.tokens <- fr.Content:
				case <-ctx.Done():
					interrupted("caller gone")
					return
				case <-c.runCtx.Done():
					interrupted("transport draining")
					return
				}

			case opEnd:
				text := acc.String()
				if err := c.journal.SaveMessage(context.Background(), conversationID, store.RoleAssistant, text); err != nil {
					metrics.StoreErrorsTotal.WithLabelValues("save_message").Inc()
					log.Error("failed to save assistant message", "error", err)
				}
				finish(nil, metrics.StatusCompleted)
				return

			case opError:
				engineErr := &EngineError{Message: fr.ErrorText()}
				log.Error("engine reported inference error", "message", engineErr.Message)
				c.journalFailure(conversationID, acc.String())
				finish(engineErr, metrics.StatusEngineError)
				return

			default:
				log.Warn("unexpected frame on stream", "op", fr.Op)
			}

		case <-timer.C:
			log.Error("inference stream timed out",
				"inactivity", c.cfg.StreamInactivityTimeout,
				"partial_len", acc.Len(),
			)
			c.journalFailure(conversationID, acc.String())
			finish(ErrStreamTimeout, metrics.StatusTimeout)
			return
		}
	}
}

// journalFailure persists whatever arrived before a stream failed and
// flags the conversation. Store failures are logged and swallowed so the
// transport error, not the bookkeeping, is what reaches the caller.
func (c *Client) journalFailure(conversationID, partial string) {
	ctx := context.Background()

	if partial != "" {
		if err := c.journal.SaveMessage(ctx, conversationID, store.RoleAssistant, partial+" [INTERRUPTED]"); err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("save_message").Inc()
			c.logger.Error("failed to save partial reply", "conversation_id", conversationID, "error", err)
		}
	}

	if err := c.journal.MarkConversationError(ctx, conversationID); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("mark_conversation_error").Inc()
		c.logger.Error("failed to mark conversation errored", "conversation_id", conversationID, "error", err)
	}
}
