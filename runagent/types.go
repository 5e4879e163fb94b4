// Package runagent is the Go SDK for invoking RunAgent deployments, local
// or hosted. A client binds one agent and one entrypoint tag; Run and
// RunStream mirror the server's unary and streaming transports.
package runagent

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/runagent-dev/runagent-go/pkg/types"
)

// EntryPoint and AgentArchitecture are shared with the server wire
// contract.
type (
	EntryPoint        = types.EntryPoint
	AgentArchitecture = types.AgentArchitecture
)

// Config captures initialization options for RunAgentClient.
// Field precedence: explicit Config values override RUNAGENT_* environment
// variables, which override library defaults.
type Config struct {
	AgentID       string
	EntrypointTag string

	// Local selects the local agent resolution path. Nil defers to
	// RUNAGENT_LOCAL, then false.
	Local *bool

	// Host/Port pin a local agent's address. When either is missing the
	// client falls back to the local registry.
	Host string
	Port int

	// BaseURL addresses the hosted service (remote mode only).
	BaseURL string
	APIKey  string

	TimeoutSeconds int
	AsyncExecution *bool

	// ExtraParams is caller metadata kept on the client; it is never
	// transmitted.
	ExtraParams map[string]interface{}

	HTTPClient *http.Client
}

// RunInput describes one invocation payload for callers that build
// arguments ahead of time instead of using Arg/Kw tokens.
type RunInput struct {
	InputArgs      []interface{}
	InputKwargs    map[string]interface{}
	TimeoutSeconds int
	AsyncExecution *bool
}

// Bool is a helper to create *bool literals inline.
func Bool(v bool) *bool { return &v }

func (i RunInput) toRequest(entrypoint string, fallbackTimeout int, defaultAsync bool) types.InvocationRequest {
	timeout := fallbackTimeout
	if i.TimeoutSeconds > 0 {
		timeout = i.TimeoutSeconds
	}

	async := defaultAsync
	if i.AsyncExecution != nil {
		async = *i.AsyncExecution
	}

	args := i.InputArgs
	if args == nil {
		args = []interface{}{}
	}

	kwargs := i.InputKwargs
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}

	return types.InvocationRequest{
		EntrypointTag:  entrypoint,
		InputArgs:      args,
		InputKwargs:    kwargs,
		TimeoutSeconds: timeout,
		AsyncExecution: async,
	}
}

// wireFrame is the loosely-typed view of a stream frame. Raw fields keep
// the iterator tolerant of servers that put chunks under content or data.
type wireFrame struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Content json.RawMessage `json:"content"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

func decodeStructuredString(value string) interface{} {
	if value == "" {
		return value
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(value), &decoded); err == nil {
		return decoded
	}

	var unquoted string
	if err := json.Unmarshal([]byte(fmt.Sprintf("%q", value)), &unquoted); err == nil {
		return unquoted
	}

	return value
}

// decodeStructuredObject unwraps objects carrying a "payload" field, where
// payload may itself be stringified JSON. Other SDKs normalize the same
// way so callers get the inner content directly.
func decodeStructuredObject(obj map[string]interface{}) interface{} {
	if payload, ok := obj["payload"]; ok {
		switch p := payload.(type) {
		case string:
			return decodeStructuredString(p)
		default:
			return p
		}
	}
	return obj
}
