package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable means the engine link is not ready for requests.
	ErrEngineUnavailable = errors.New("inference engine unavailable")

	// ErrSessionCreateTimeout means the engine did not answer create_session in time.
	ErrSessionCreateTimeout = errors.New("session creation timed out")

	// ErrStreamTimeout means an inference went silent past the inactivity deadline.
	ErrStreamTimeout = errors.New("inference stream timed out")

	// ErrStreamInterrupted means the connection was lost mid-inference.
	ErrStreamInterrupted = errors.New("inference stream interrupted")

	// ErrInferenceInFlight means the session already has a live inference
	// consuming its delivery channel.
	ErrInferenceInFlight = errors.New("inference already in flight for session")
)

// EngineError is a failure the engine itself reported in an error frame.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error: %s", e.Message)
}
