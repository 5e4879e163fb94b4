package runagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runagent-dev/runagent-go/internal/registry"
	"github.com/runagent-dev/runagent-go/pkg/constants"
	"github.com/runagent-dev/runagent-go/pkg/types"
)

// Version is reported in the User-Agent header.
const Version = "0.2.0"

// RunAgentClient is the main entry point for invoking RunAgent
// deployments. A client is bound to one agent and one entrypoint tag.
type RunAgentClient struct {
	agentID       string
	entrypointTag string
	local         bool
	baseRESTURL   string
	baseSocketURL string
	apiKey        string
	timeoutSecs   int
	asyncDefault  bool
	extraParams   map[string]interface{}
	httpClient    *http.Client
}

// NewRunAgentClient creates a client from cfg. Explicit values win over
// RUNAGENT_* environment variables, which win over defaults. In local
// mode a missing host/port is resolved through the local agent registry.
func NewRunAgentClient(cfg Config) (*RunAgentClient, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, newError(types.CodeValidation, "agent_id is required")
	}
	if strings.TrimSpace(cfg.EntrypointTag) == "" {
		return nil, newError(types.CodeValidation, "entrypoint_tag is required")
	}

	env := loadEnvConfig()

	local := resolveBool(cfg.Local, env.local, false)
	asyncDefault := resolveBool(cfg.AsyncExecution, nil, false)

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = env.timeoutSeconds
	}
	if timeout <= 0 {
		timeout = constants.DefaultTimeoutSeconds
	}

	apiKey := firstNonEmpty(cfg.APIKey, env.apiKey)
	baseURL := firstNonEmpty(cfg.BaseURL, env.baseURL, constants.DefaultBaseURL)

	var restBase, socketBase string
	if local {
		host := firstNonEmpty(cfg.Host, env.host)
		port := firstNonZero(cfg.Port, env.port)

		if host == "" || port == 0 {
			discoveredHost, discoveredPort, err := discoverLocalAgent(cfg.AgentID)
			if err != nil {
				return nil, err
			}
			if host == "" {
				host = discoveredHost
			}
			if port == 0 {
				port = discoveredPort
			}
		}

		if host == "" || port == 0 {
			return nil, newError(
				types.CodeValidation,
				"unable to resolve local host/port",
				withSuggestion("Pass Config.Host/Config.Port or ensure the agent is registered locally"),
			)
		}

		restBase = fmt.Sprintf("http://%s:%d%s", host, port, constants.DefaultAPIPrefix)
		socketBase = fmt.Sprintf("ws://%s:%d%s", host, port, constants.DefaultAPIPrefix)
	} else {
		var err error
		restBase, socketBase, err = normalizeRemoteBases(baseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		}
	}

	extra := cfg.ExtraParams
	if extra == nil {
		extra = map[string]interface{}{}
	}

	return &RunAgentClient{
		agentID:       cfg.AgentID,
		entrypointTag: cfg.EntrypointTag,
		local:         local,
		baseRESTURL:   restBase,
		baseSocketURL: socketBase,
		apiKey:        apiKey,
		timeoutSecs:   timeout,
		asyncDefault:  asyncDefault,
		extraParams:   extra,
		httpClient:    httpClient,
	}, nil
}

// Run invokes the agent's unary transport using native Go-shaped
// arguments.
// Examples:
//   - positional: Run(ctx, Arg("q"), Arg(4))
//   - keyword:    Run(ctx, Kws(map[string]any{"m": 3}))
//   - mixed:      Run(ctx, Args("q", 4), Kw("m", 3))
//   - struct:     Run(ctx, MyStruct{...}) -> kwargs via json tags
//   - single:     Run(ctx, "hello") -> ["hello"], {}
func (c *RunAgentClient) Run(ctx context.Context, values ...any) (interface{}, error) {
	if types.IsStreamTag(c.entrypointTag) {
		return nil, newError(
			types.CodeStreamEntrypoint,
			fmt.Sprintf("entrypoint %q streams and must be invoked with RunStream", c.entrypointTag),
			withSuggestion("Use client.RunStream(...) for *_stream tags"),
		)
	}

	input, err := coerceToRunInput(values...)
	if err != nil {
		return nil, err
	}
	payload := input.toRequest(c.entrypointTag, c.timeoutSecs, c.asyncDefault)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(types.CodeValidation, "failed to serialize request", withCause(err))
	}

	endpoint := fmt.Sprintf("%s/agents/%s/run", c.baseRESTURL, c.agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, newError(types.CodeUnknown, "failed to create request", withCause(err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent())
	if err := c.setAuth(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(
			types.CodeConnection,
			"failed to reach RunAgent service",
			withCause(err),
			withSuggestion("Check your network connection or agent status"),
		)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(types.CodeUnknown, "failed to read response body", withCause(err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, translateHTTPError(resp.StatusCode, respBody)
	}

	return parseRunResponse(resp.StatusCode, respBody)
}

// RunStream opens the streaming transport and returns an iterator over
// data chunks. The iterator terminates on stream_completed and surfaces
// error frames as RunAgentExecutionError.
func (c *RunAgentClient) RunStream(ctx context.Context, values ...any) (*StreamIterator, error) {
	if !types.IsStreamTag(c.entrypointTag) {
		return nil, newError(
			types.CodeNonStreamEntrypoint,
			fmt.Sprintf("entrypoint %q does not stream and must be invoked with Run", c.entrypointTag),
			withSuggestion("Use client.Run(...) for non-stream tags"),
		)
	}

	input, err := coerceToRunInput(values...)
	if err != nil {
		return nil, err
	}

	timeout := input.TimeoutSeconds
	if timeout <= 0 {
		timeout = constants.DefaultStreamTimeout
	}
	payload := input.toRequest(c.entrypointTag, timeout, false)
	payload.AsyncExecution = false

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(types.CodeValidation, "failed to serialize stream payload", withCause(err))
	}

	if !c.local && c.apiKey == "" {
		return nil, newError(
			types.CodeAuthentication,
			"api_key is required for remote streaming",
			withSuggestion("Set RUNAGENT_API_KEY or pass Config.APIKey"),
		)
	}

	endpoint := fmt.Sprintf("%s/agents/%s/run-stream", c.baseSocketURL, c.agentID)
	if c.apiKey != "" {
		// WebSocket clients cannot always set headers; the server accepts
		// the token as a query parameter too.
		endpoint = appendToken(endpoint, c.apiKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	headers := http.Header{
		"User-Agent": []string{userAgent()},
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, newError(
			types.CodeConnection,
			"failed to open WebSocket connection",
			withCause(err),
		)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, newError(types.CodeConnection, "failed to send stream request", withCause(err))
	}

	return newStreamIterator(conn), nil
}

// GetArchitecture fetches the agent's entrypoint metadata. Both the
// canonical envelope and the legacy bare-object response are accepted.
func (c *RunAgentClient) GetArchitecture(ctx context.Context) (*AgentArchitecture, error) {
	endpoint := fmt.Sprintf("%s/agents/%s/architecture", c.baseRESTURL, c.agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newError(types.CodeUnknown, "failed to create request", withCause(err))
	}
	req.Header.Set("User-Agent", userAgent())
	if err := c.setAuth(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(types.CodeConnection, "failed to reach RunAgent service", withCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(types.CodeUnknown, "failed to read response body", withCause(err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, translateHTTPError(resp.StatusCode, body)
	}

	var envelope struct {
		Success bool              `json:"success"`
		Data    AgentArchitecture `json:"data"`
		Message string            `json:"message"`
		Error   json.RawMessage   `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil &&
		(envelope.Success || envelope.Message != "" || hasValue(envelope.Error)) {
		if envelope.Success {
			return validateArchitecture(&envelope.Data)
		}
		if block := parseErrorValue(envelope.Error); block != nil {
			return nil, newExecutionError(resp.StatusCode, block)
		}
		return nil, newError(types.CodeServerError, "failed to retrieve agent architecture")
	}

	var legacy AgentArchitecture
	if err := json.Unmarshal(body, &legacy); err != nil {
		return nil, newError(types.CodeUnknown, "failed to decode architecture", withCause(err))
	}
	return validateArchitecture(&legacy)
}

// ValidateEntrypoint fetches the architecture and checks the client's tag
// against it, returning ENTRYPOINT_NOT_FOUND with the known tags when
// absent.
func (c *RunAgentClient) ValidateEntrypoint(ctx context.Context) error {
	arch, err := c.GetArchitecture(ctx)
	if err != nil {
		return err
	}

	tags := make([]string, 0, len(arch.Entrypoints))
	for _, entry := range arch.Entrypoints {
		if entry.Tag == c.entrypointTag {
			return nil
		}
		tags = append(tags, entry.Tag)
	}

	return newError(
		types.CodeEntrypointNotFound,
		fmt.Sprintf("unknown entrypoint %q", c.entrypointTag),
		withSuggestion("Available tags: "+strings.Join(tags, ", ")),
	)
}

// HealthCheck probes the agent server's health endpoint.
func (c *RunAgentClient) HealthCheck(ctx context.Context) error {
	endpoint := c.baseRESTURL + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newError(types.CodeUnknown, "failed to create request", withCause(err))
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(types.CodeConnection, "agent server is unreachable", withCause(err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return newError(
			types.CodeConnection,
			fmt.Sprintf("agent server is not healthy (status %d)", resp.StatusCode),
		)
	}
	return nil
}

// ExtraParams returns a copy of the metadata provided at construction.
// Extra params stay client-side; they are never sent on the wire.
func (c *RunAgentClient) ExtraParams() map[string]interface{} {
	copyMap := make(map[string]interface{}, len(c.extraParams))
	for k, v := range c.extraParams {
		copyMap[k] = v
	}
	return copyMap
}

// AgentID returns the bound agent ID.
func (c *RunAgentClient) AgentID() string { return c.agentID }

// EntrypointTag returns the bound entrypoint tag.
func (c *RunAgentClient) EntrypointTag() string { return c.entrypointTag }

func (c *RunAgentClient) setAuth(req *http.Request) error {
	if c.local {
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return nil
	}
	if c.apiKey == "" {
		return newError(
			types.CodeAuthentication,
			"api_key is required for remote calls",
			withSuggestion("Set RUNAGENT_API_KEY or pass Config.APIKey"),
		)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return nil
}

func validateArchitecture(arch *AgentArchitecture) (*AgentArchitecture, error) {
	if len(arch.Entrypoints) == 0 {
		return nil, newError(
			types.CodeArchitectureMissing,
			"architecture missing entrypoints",
			withSuggestion("Redeploy the agent with entrypoints configured"),
		)
	}
	return arch, nil
}

// parseRunResponse unwraps the unary response envelope. The server nests
// results as data.result_data.data for legacy clients; both that shape and
// a plain data field are accepted.
func parseRunResponse(status int, body []byte) (interface{}, error) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Allow plain-string outputs.
		return decodeStructuredString(string(body)), nil
	}

	if block := extractEnvelopeError(envelope); block != nil {
		return nil, newExecutionError(status, block)
	}

	if data, ok := envelope["data"]; ok {
		if result := unwrapDataField(data); result != nil {
			if m, ok := result.(map[string]interface{}); ok {
				return decodeStructuredObject(m), nil
			}
			return result, nil
		}
	}

	if outputData, ok := envelope["output_data"]; ok {
		return outputData, nil
	}

	return envelope, nil
}

// extractEnvelopeError returns the failure block of an envelope, or nil
// for success responses.
func extractEnvelopeError(envelope map[string]interface{}) *types.ErrorBlock {
	if envelope == nil {
		return nil
	}

	if rawErr, ok := envelope["error"]; ok && rawErr != nil {
		if block := parseErrorPayload(rawErr); block != nil {
			return block
		}
	}

	if success, ok := envelope["success"].(bool); ok && !success {
		message := "agent execution failed"
		if msg, ok := envelope["message"].(string); ok && msg != "" {
			message = msg
		}
		return &types.ErrorBlock{
			Code:    types.CodeServerError,
			Message: message,
		}
	}

	return nil
}

func parseErrorPayload(raw interface{}) *types.ErrorBlock {
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		return &types.ErrorBlock{Code: types.CodeServerError, Message: val}
	case map[string]interface{}:
		block := &types.ErrorBlock{Code: types.CodeServerError}
		if code, ok := val["code"].(string); ok && code != "" {
			block.Code = code
		}
		if msg, ok := val["message"].(string); ok {
			block.Message = msg
		}
		if suggestion, ok := val["suggestion"].(string); ok {
			block.Suggestion = suggestion
		}
		if details, ok := val["details"].(map[string]interface{}); ok {
			block.Details = details
		}
		return block
	default:
		return &types.ErrorBlock{
			Code:    types.CodeServerError,
			Message: fmt.Sprintf("%v", val),
		}
	}
}

func parseErrorValue(raw json.RawMessage) *types.ErrorBlock {
	if !hasValue(raw) {
		return nil
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &types.ErrorBlock{Code: types.CodeServerError, Message: string(raw)}
	}
	return parseErrorPayload(payload)
}

func hasValue(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func unwrapDataField(data interface{}) interface{} {
	switch typed := data.(type) {
	case string:
		return decodeStructuredString(typed)
	case map[string]interface{}:
		if resultData, ok := typed["result_data"].(map[string]interface{}); ok {
			if inner, exists := resultData["data"]; exists {
				return inner
			}
		}
		if inner, ok := typed["data"]; ok {
			return inner
		}
		if inner, ok := typed["content"]; ok {
			return inner
		}
		return decodeStructuredObject(typed)
	default:
		return typed
	}
}

type envConfig struct {
	apiKey         string
	baseURL        string
	host           string
	port           int
	timeoutSeconds int
	local          *bool
}

func loadEnvConfig() envConfig {
	cfg := envConfig{}
	cfg.apiKey = strings.TrimSpace(os.Getenv(constants.EnvAPIKey))
	cfg.baseURL = strings.TrimSpace(os.Getenv(constants.EnvBaseURL))
	cfg.host = strings.TrimSpace(os.Getenv(constants.EnvAgentHost))

	if portStr := os.Getenv(constants.EnvAgentPort); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.port = port
		}
	}

	if timeoutStr := os.Getenv(constants.EnvTimeout); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.timeoutSeconds = timeout
		}
	}

	if localStr := os.Getenv(constants.EnvLocalAgent); localStr != "" {
		if local, err := strconv.ParseBool(localStr); err == nil {
			cfg.local = &local
		}
	}

	return cfg
}

// discoverLocalAgent resolves a running agent's address through the local
// registry database.
func discoverLocalAgent(agentID string) (string, int, error) {
	svc, err := registry.NewService("")
	if err != nil {
		return "", 0, newError(types.CodeConnection, "failed to open local agent registry", withCause(err))
	}
	defer svc.Close()

	agent, err := svc.Get(agentID)
	if err != nil {
		return "", 0, newError(types.CodeServerError, "failed to look up agent in local registry", withCause(err))
	}
	if agent == nil {
		return "", 0, newError(
			types.CodeAgentNotFoundLocal,
			fmt.Sprintf("agent %s was not found locally", agentID),
			withSuggestion("Start the agent locally or pass host/port overrides"),
		)
	}

	return agent.Host, agent.Port, nil
}

func normalizeRemoteBases(raw string) (string, string, error) {
	if raw == "" {
		raw = constants.DefaultBaseURL
	}

	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}

	trimmed := strings.TrimSuffix(raw, "/")
	restBase := trimmed + constants.DefaultAPIPrefix

	var socketBase string
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		socketBase = "wss://" + strings.TrimPrefix(trimmed, "https://") + constants.DefaultAPIPrefix
	case strings.HasPrefix(trimmed, "http://"):
		socketBase = "ws://" + strings.TrimPrefix(trimmed, "http://") + constants.DefaultAPIPrefix
	default:
		return "", "", newError(types.CodeValidation, fmt.Sprintf("invalid base URL: %s", raw))
	}

	return restBase, socketBase, nil
}

func resolveBool(explicit *bool, fallback *bool, defaultValue bool) bool {
	switch {
	case explicit != nil:
		return *explicit
	case fallback != nil:
		return *fallback
	default:
		return defaultValue
	}
}

func firstNonEmpty(values ...string) string {
	for _, candidate := range values {
		if strings.TrimSpace(candidate) != "" {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, candidate := range values {
		if candidate > 0 {
			return candidate
		}
	}
	return 0
}

func appendToken(uri, token string) string {
	if token == "" {
		return uri
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func translateHTTPError(status int, body []byte) error {
	block := &types.ErrorBlock{
		Code:    types.CodeServerError,
		Message: fmt.Sprintf("server returned status %d", status),
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil {
		if parsed := extractEnvelopeError(payload); parsed != nil {
			block = parsed
		}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		block.Code = types.CodeAuthentication
	}

	return newExecutionError(status, block)
}

func userAgent() string {
	return fmt.Sprintf("runagent-go/%s", Version)
}

// ---- Flexible argument tokens and coercion ----

type argToken struct{ v any }
type argsToken struct{ v []any }
type kwToken struct {
	k string
	v any
}
type kwsToken struct{ m map[string]any }

// Arg appends one positional argument.
func Arg(v any) argToken { return argToken{v: v} }

// Args appends multiple positional arguments.
func Args(v ...any) argsToken { return argsToken{v: v} }

// Kw adds one keyword argument.
func Kw(key string, value any) kwToken { return kwToken{k: key, v: value} }

// Kws merges many keyword arguments from a map.
func Kws(m map[string]any) kwsToken { return kwsToken{m: m} }

func coerceToRunInput(values ...any) (RunInput, error) {
	var input RunInput
	var haveArgs bool
	var haveKw bool

	appendArg := func(v any) {
		input.InputArgs = append(input.InputArgs, v)
		haveArgs = true
	}
	addKw := func(k string, v any) {
		if input.InputKwargs == nil {
			input.InputKwargs = map[string]any{}
		}
		input.InputKwargs[k] = v
		haveKw = true
	}

	for _, v := range values {
		switch t := v.(type) {
		case RunInput:
			return t, nil
		case argToken:
			appendArg(t.v)
		case argsToken:
			for _, item := range t.v {
				appendArg(item)
			}
		case kwToken:
			addKw(t.k, t.v)
		case kwsToken:
			for k, val := range t.m {
				addKw(k, val)
			}
		case map[string]any:
			for k, val := range t {
				addKw(k, val)
			}
		default:
			// Reject raw []any to avoid ambiguity with Args(...).
			if isSliceOfAny(t) {
				return RunInput{}, newError(
					types.CodeValidation,
					"pass positional slice via Args(...), not raw []any",
					withSuggestion("Use runagent.Args(v1, v2, ...)"),
				)
			}
			// Structs become kwargs via json round-trip; primitives become
			// a single positional argument.
			if isStructLike(t) {
				m, err := structToMap(t)
				if err != nil {
					return RunInput{}, newError(types.CodeValidation, "failed to encode struct into kwargs", withCause(err))
				}
				for k, val := range m {
					addKw(k, val)
				}
			} else {
				appendArg(t)
			}
		}
	}

	if !haveArgs {
		input.InputArgs = []any{}
	}
	if !haveKw {
		input.InputKwargs = map[string]any{}
	}

	return input, nil
}

func isSliceOfAny(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Interface
}

func isStructLike(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.IsValid() && rv.Kind() == reflect.Struct
}

func structToMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
