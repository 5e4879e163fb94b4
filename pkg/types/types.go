// Package types defines the canonical wire contract shared by the local
// server and every RunAgent SDK: the invocation request, the response
// envelope, streaming frames and the error taxonomy.
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/runagent-dev/runagent-go/pkg/constants"
)

// InvocationRequest is the request envelope accepted by both the unary
// HTTP endpoint and the streaming WebSocket endpoint. Unknown fields are
// ignored on decode, which keeps reserved fields like async_execution
// forward-compatible.
type InvocationRequest struct {
	EntrypointTag  string                 `json:"entrypoint_tag"`
	InputArgs      []interface{}          `json:"input_args"`
	InputKwargs    map[string]interface{} `json:"input_kwargs"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	AsyncExecution bool                   `json:"async_execution"`
}

// Normalize fills defaults so empty args/kwargs are equivalent to absent.
// Timeout defaulting happens at decode time, where an absent field can be
// told apart from an explicit zero.
func (r *InvocationRequest) Normalize() {
	if r.InputArgs == nil {
		r.InputArgs = []interface{}{}
	}
	if r.InputKwargs == nil {
		r.InputKwargs = map[string]interface{}{}
	}
}

// Validate checks the request shape before it reaches the dispatcher.
func (r *InvocationRequest) Validate() error {
	if strings.TrimSpace(r.EntrypointTag) == "" {
		return NewAgentError(CodeValidation, "entrypoint_tag is required")
	}
	if r.TimeoutSeconds <= 0 {
		return NewAgentError(
			CodeValidation,
			"timeout_seconds must be positive",
			WithSuggestion("Omit timeout_seconds to use the default of 300 seconds"),
		)
	}
	return nil
}

// InvocationEnvelope is the uniform response wrapper used by the unary run
// endpoint and the architecture endpoint. Exactly one of Data/Error is
// meaningful depending on Success.
type InvocationEnvelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data"`
	Error     *ErrorBlock `json:"error"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

// SuccessEnvelope wraps a successful result. The result keeps the legacy
// nesting data.result_data.data so older clients continue to parse it;
// current clients tolerate both shapes.
func SuccessEnvelope(result interface{}, requestID string) InvocationEnvelope {
	return InvocationEnvelope{
		Success: true,
		Data: map[string]interface{}{
			"result_data": map[string]interface{}{
				"data": result,
			},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// RawEnvelope wraps a payload without the legacy result nesting, used by
// the architecture endpoint.
func RawEnvelope(data interface{}, requestID string) InvocationEnvelope {
	return InvocationEnvelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// FailureEnvelope wraps an ErrorBlock.
func FailureEnvelope(block *ErrorBlock, requestID string) InvocationEnvelope {
	return InvocationEnvelope{
		Success:   false,
		Error:     block,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// Stream frame types.
const (
	FrameStatus = "status"
	FrameData   = "data"
	FrameError  = "error"

	StreamStarted   = "stream_started"
	StreamCompleted = "stream_completed"
)

// StreamFrame is the tagged union sent over the streaming WebSocket.
type StreamFrame struct {
	Type    string      `json:"type"`
	Status  string      `json:"status,omitempty"`
	Content interface{} `json:"content,omitempty"`
	Error   *ErrorBlock `json:"error,omitempty"`
}

// StatusFrame builds a status frame.
func StatusFrame(status string) StreamFrame {
	return StreamFrame{Type: FrameStatus, Status: status}
}

// DataFrame builds a data frame carrying one chunk. Structured chunks are
// embedded as JSON, strings pass through as text; the frame does not
// interpret chunk content.
func DataFrame(chunk interface{}) StreamFrame {
	return StreamFrame{Type: FrameData, Content: chunk}
}

// ErrorFrame builds a terminal error frame.
func ErrorFrame(block *ErrorBlock) StreamFrame {
	return StreamFrame{Type: FrameError, Error: block}
}

// EntryPoint describes one named callable of a project.
type EntryPoint struct {
	Tag       string                 `json:"tag"`
	File      string                 `json:"file,omitempty"`
	Module    string                 `json:"module,omitempty"`
	Extractor map[string]interface{} `json:"extractor,omitempty"`
}

// IsStream reports whether the tag selects streaming dispatch. The literal
// suffix is the only signal; a tag equal to "_stream" is still streaming.
func (e EntryPoint) IsStream() bool {
	return IsStreamTag(e.Tag)
}

// IsStreamTag applies the literal _stream suffix rule.
func IsStreamTag(tag string) bool {
	return strings.HasSuffix(tag, constants.StreamEntrypointSuffix)
}

// AgentArchitecture is the payload of the architecture endpoint.
type AgentArchitecture struct {
	AgentID     string       `json:"agent_id"`
	AgentName   string       `json:"agent_name,omitempty"`
	Framework   string       `json:"framework,omitempty"`
	Version     string       `json:"version,omitempty"`
	Entrypoints []EntryPoint `json:"entrypoints"`
}

// DecodeInvocationRequest parses a request body, tolerating unknown fields.
// An absent timeout_seconds takes the default; an explicit zero or negative
// value is a validation error.
func DecodeInvocationRequest(raw []byte) (*InvocationRequest, error) {
	var wire struct {
		EntrypointTag  string                 `json:"entrypoint_tag"`
		InputArgs      []interface{}          `json:"input_args"`
		InputKwargs    map[string]interface{} `json:"input_kwargs"`
		TimeoutSeconds *int                   `json:"timeout_seconds"`
		AsyncExecution bool                   `json:"async_execution"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, NewAgentError(
			CodeValidation,
			"request body must be UTF-8 JSON matching the invocation envelope",
			WithCause(err),
		)
	}

	req := InvocationRequest{
		EntrypointTag:  wire.EntrypointTag,
		InputArgs:      wire.InputArgs,
		InputKwargs:    wire.InputKwargs,
		TimeoutSeconds: constants.DefaultTimeoutSeconds,
		AsyncExecution: wire.AsyncExecution,
	}
	if wire.TimeoutSeconds != nil {
		req.TimeoutSeconds = *wire.TimeoutSeconds
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
