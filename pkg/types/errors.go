package types

import "fmt"

// Canonical error codes, used identically by the server and every SDK.
const (
	CodeAuthentication      = "AUTHENTICATION_ERROR"
	CodePermission          = "PERMISSION_ERROR"
	CodeConnection          = "CONNECTION_ERROR"
	CodeValidation          = "VALIDATION_ERROR"
	CodeAgentNotFoundLocal  = "AGENT_NOT_FOUND_LOCAL"
	CodeAgentNotFoundRemote = "AGENT_NOT_FOUND_REMOTE"
	CodeArchitectureMissing = "ARCHITECTURE_MISSING"
	CodeEntrypointNotFound  = "ENTRYPOINT_NOT_FOUND"
	CodeStreamEntrypoint    = "STREAM_ENTRYPOINT"
	CodeNonStreamEntrypoint = "NON_STREAM_ENTRYPOINT"
	CodeTimeout             = "TIMEOUT"
	CodeExecutionError      = "EXECUTION_ERROR"
	CodeServerError         = "SERVER_ERROR"
	CodeUnknown             = "UNKNOWN_ERROR"

	// Registry codes
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeAddressInUse     = "ADDRESS_IN_USE"
	CodeAgentExists      = "AGENT_EXISTS"

	// Project loader codes
	CodeConfigMissing         = "CONFIG_MISSING"
	CodeConfigInvalid         = "CONFIG_INVALID"
	CodeDuplicateTag          = "DUPLICATE_TAG"
	CodeEntrypointUnresolved  = "ENTRYPOINT_UNRESOLVED"
	CodeEntrypointNotCallable = "ENTRYPOINT_NOT_CALLABLE"
)

// ErrorBlock is the structured error payload carried in envelopes and
// error frames. Message is human prose; Suggestion, when present, is
// actionable.
type ErrorBlock struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// AgentError is the runtime-side error type. It carries an ErrorBlock so
// every failure can cross the transport boundary in taxonomy form.
type AgentError struct {
	Block ErrorBlock
	Cause error
}

func (e *AgentError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Block.Suggestion != "" {
		return fmt.Sprintf("%s: %s | suggestion: %s", e.Block.Code, e.Block.Message, e.Block.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Block.Code, e.Block.Message)
}

// Unwrap exposes the wrapped cause when available.
func (e *AgentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorOption mutates an AgentError under construction.
type ErrorOption func(*AgentError)

// WithSuggestion attaches an actionable hint.
func WithSuggestion(s string) ErrorOption {
	return func(e *AgentError) { e.Block.Suggestion = s }
}

// WithDetails attaches structured extras.
func WithDetails(details map[string]interface{}) ErrorOption {
	return func(e *AgentError) { e.Block.Details = details }
}

// WithCause records the underlying error.
func WithCause(err error) ErrorOption {
	return func(e *AgentError) { e.Cause = err }
}

// NewAgentError builds an AgentError for the given taxonomy code.
func NewAgentError(code, message string, opts ...ErrorOption) *AgentError {
	err := &AgentError{Block: ErrorBlock{Code: code, Message: message}}
	for _, opt := range opts {
		opt(err)
	}
	return err
}

// AsErrorBlock converts any error into an ErrorBlock. AgentErrors keep
// their block verbatim; anything else maps to SERVER_ERROR so no raw
// error shape ever crosses the transport boundary.
func AsErrorBlock(err error) *ErrorBlock {
	if err == nil {
		return nil
	}
	if agentErr, ok := err.(*AgentError); ok {
		block := agentErr.Block
		return &block
	}
	return &ErrorBlock{
		Code:    CodeServerError,
		Message: err.Error(),
	}
}
