// Package errors defines the JSON error envelope the chat ingress
// returns, with gin helpers for the status codes the orchestrator emits.
package errors

// APIError is the envelope every non-2xx ingress response carries.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError builds the envelope. details is optional and usually nil.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}
