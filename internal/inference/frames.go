package inference

import (
	"encoding/json"
	"fmt"
)

// Frame ops sent to the engine.
const (
	opAuth          = "auth"
	opCreateSession = "create_session"
	opInfer         = "infer"
	opAbort         = "abort"
)

// Frame ops received from the engine.
const (
	opHello          = "hello"
	opAuthSuccess    = "auth_success"
	opSessionCreated = "session_created"
	opToken          = "token"
	opEnd            = "end"
	opError          = "error"
)

// Frame is one protocol message, in either direction. The protocol tags
// every message with op and omits fields that do not apply, so a single
// flat struct with omitempty covers the whole wire surface.
type Frame struct {
	Op          string                 `json:"op"`
	ClientID    string                 `json:"client_id,omitempty"`
	APIKey      string                 `json:"api_key,omitempty"`
	JotaDBURL   string                 `json:"jota_db_url,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Message     string                 `json:"message,omitempty"`
	MaxSessions int                    `json:"max_sessions,omitempty"`
}

func newAuthFrame(clientID, apiKey, jotaDBURL string) *Frame {
	return &Frame{
		Op:        opAuth,
		ClientID:  clientID,
		APIKey:    apiKey,
		JotaDBURL: jotaDBURL,
	}
}

func newCreateSessionFrame() *Frame {
	return &Frame{Op: opCreateSession}
}

func newInferFrame(sessionID, prompt string, params map[string]interface{}) *Frame {
	return &Frame{
		Op:        opInfer,
		SessionID: sessionID,
		Prompt:    prompt,
		Params:    params,
	}
}

func newAbortFrame(sessionID string) *Frame {
	return &Frame{Op: opAbort, SessionID: sessionID}
}

func (f *Frame) encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Op, err)
	}
	return data, nil
}

// decodeFrame parses a single wire message. Malformed frames are returned
// as errors so the read pump can log and drop them without dying.
func decodeFrame(data []byte) (*Frame, error) {
	var fr Frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if fr.Op == "" {
		return nil, fmt.Errorf("frame has no op field")
	}
	return &fr, nil
}

// ErrorText returns the human-readable payload of an error frame. Engines
// have shipped it under both message and content; message wins when both
// are present.
func (f *Frame) ErrorText() string {
	if f.Message != "" {
		return f.Message
	}
	return f.Content
}
