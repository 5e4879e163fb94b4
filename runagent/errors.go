package runagent

import (
	"fmt"
	"strings"

	"github.com/runagent-dev/runagent-go/pkg/types"
)

// RunAgentError is the root error type returned by the SDK. Code carries
// the taxonomy code shared with the server (VALIDATION_ERROR,
// ENTRYPOINT_NOT_FOUND, ...).
type RunAgentError struct {
	Code       string
	Message    string
	Suggestion string
	Details    map[string]interface{}
	Cause      error
}

func (e *RunAgentError) Error() string {
	if e == nil {
		return "<nil>"
	}

	base := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Suggestion != "" {
		base = fmt.Sprintf("%s | suggestion: %s", base, e.Suggestion)
	}
	return base
}

// Unwrap exposes the wrapped cause when available.
func (e *RunAgentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// RunAgentExecutionError represents failures reported by the agent server
// itself, as opposed to failures reaching it.
type RunAgentExecutionError struct {
	*RunAgentError
	HTTPStatus int
}

func newError(code, message string, opts ...func(*RunAgentError)) *RunAgentError {
	err := &RunAgentError{
		Code:    code,
		Message: message,
	}
	for _, opt := range opts {
		opt(err)
	}
	return err
}

func withSuggestion(s string) func(*RunAgentError) {
	return func(e *RunAgentError) {
		e.Suggestion = s
	}
}

func withCause(err error) func(*RunAgentError) {
	return func(e *RunAgentError) {
		e.Cause = err
	}
}

func newExecutionError(status int, block *types.ErrorBlock) *RunAgentExecutionError {
	if block == nil {
		block = &types.ErrorBlock{
			Code:    types.CodeUnknown,
			Message: "agent execution failed",
		}
	}

	block = enrichErrorBlock(block)

	return &RunAgentExecutionError{
		RunAgentError: &RunAgentError{
			Code:       block.Code,
			Message:    block.Message,
			Suggestion: block.Suggestion,
			Details:    block.Details,
		},
		HTTPStatus: status,
	}
}

// enrichErrorBlock fills in suggestions for error shapes the server may
// report without one.
func enrichErrorBlock(e *types.ErrorBlock) *types.ErrorBlock {
	if e == nil {
		return nil
	}
	if e.Code == "" {
		e.Code = types.CodeServerError
	}
	if e.Suggestion != "" {
		return e
	}

	switch e.Code {
	case types.CodeAuthentication:
		e.Suggestion = "Set RUNAGENT_API_KEY or pass Config.APIKey"
	case types.CodeEntrypointNotFound:
		e.Suggestion = "Use GetArchitecture(ctx) to list available tags"
	case types.CodeStreamEntrypoint:
		e.Suggestion = "Use client.RunStream(...) for *_stream tags"
	case types.CodeNonStreamEntrypoint:
		e.Suggestion = "Use client.Run(...) for non-stream tags"
	default:
		if strings.Contains(strings.ToLower(e.Message), "unexpected keyword argument") {
			e.Suggestion = "Check the entrypoint's expected parameter names"
		}
	}
	return e
}
