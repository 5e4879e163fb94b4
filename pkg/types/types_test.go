package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInvocationRequestDefaults(t *testing.T) {
	req, err := DecodeInvocationRequest([]byte(`{"entrypoint_tag":"solve"}`))
	require.NoError(t, err)

	assert.Equal(t, "solve", req.EntrypointTag)
	assert.NotNil(t, req.InputArgs)
	assert.Empty(t, req.InputArgs)
	assert.NotNil(t, req.InputKwargs)
	assert.Equal(t, 300, req.TimeoutSeconds)
	assert.False(t, req.AsyncExecution)
}

func TestDecodeInvocationRequestUnknownFieldsIgnored(t *testing.T) {
	req, err := DecodeInvocationRequest([]byte(`{"entrypoint_tag":"solve","future_field":42}`))
	require.NoError(t, err)
	assert.Equal(t, "solve", req.EntrypointTag)
}

func TestDecodeInvocationRequestAsyncParsed(t *testing.T) {
	// async_execution is accepted on the wire even though execution is
	// always synchronous.
	req, err := DecodeInvocationRequest([]byte(`{"entrypoint_tag":"solve","async_execution":true}`))
	require.NoError(t, err)
	assert.True(t, req.AsyncExecution)
}

func TestDecodeInvocationRequestRejectsBadJSON(t *testing.T) {
	_, err := DecodeInvocationRequest([]byte(`{not json`))
	require.Error(t, err)
	agentErr, ok := err.(*AgentError)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, agentErr.Block.Code)
}

func TestDecodeInvocationRequestRejectsMissingTag(t *testing.T) {
	_, err := DecodeInvocationRequest([]byte(`{"input_args":[1]}`))
	require.Error(t, err)
	agentErr, ok := err.(*AgentError)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, agentErr.Block.Code)
}

func TestDecodeInvocationRequestRejectsNonPositiveTimeout(t *testing.T) {
	// An explicit zero is rejected rather than silently replaced with the
	// default; only an absent field means "use the default".
	for _, body := range []string{
		`{"entrypoint_tag":"solve","timeout_seconds":-5}`,
		`{"entrypoint_tag":"solve","timeout_seconds":0}`,
	} {
		_, err := DecodeInvocationRequest([]byte(body))
		require.Error(t, err, body)
		agentErr, ok := err.(*AgentError)
		require.True(t, ok)
		assert.Equal(t, CodeValidation, agentErr.Block.Code)
	}
}

func TestIsStreamTag(t *testing.T) {
	assert.True(t, IsStreamTag("solve_stream"))
	assert.True(t, IsStreamTag("_stream"))
	assert.False(t, IsStreamTag("solve"))
	assert.False(t, IsStreamTag("stream"))
	assert.False(t, IsStreamTag("solve_streaming"))
}

func TestSuccessEnvelopeLegacyNesting(t *testing.T) {
	env := SuccessEnvelope("ok:hi", "req-1")

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, "req-1", decoded["request_id"])

	data := decoded["data"].(map[string]interface{})
	resultData := data["result_data"].(map[string]interface{})
	assert.Equal(t, "ok:hi", resultData["data"])
}

func TestFailureEnvelope(t *testing.T) {
	block := &ErrorBlock{Code: CodeTimeout, Message: "too slow"}
	env := FailureEnvelope(block, "req-2")

	assert.False(t, env.Success)
	assert.Nil(t, env.Data)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeTimeout, env.Error.Code)
	assert.NotEmpty(t, env.Timestamp)
}

func TestAsErrorBlock(t *testing.T) {
	agentErr := NewAgentError(CodeEntrypointNotFound, "unknown tag", WithSuggestion("Available tags: a, b"))
	block := AsErrorBlock(agentErr)
	require.NotNil(t, block)
	assert.Equal(t, CodeEntrypointNotFound, block.Code)
	assert.Equal(t, "Available tags: a, b", block.Suggestion)

	block = AsErrorBlock(assert.AnError)
	require.NotNil(t, block)
	assert.Equal(t, CodeServerError, block.Code)

	assert.Nil(t, AsErrorBlock(nil))
}

func TestStreamFrames(t *testing.T) {
	started := StatusFrame(StreamStarted)
	assert.Equal(t, FrameStatus, started.Type)
	assert.Equal(t, StreamStarted, started.Status)

	data := DataFrame(map[string]interface{}{"n": 1})
	assert.Equal(t, FrameData, data.Type)

	errFrame := ErrorFrame(&ErrorBlock{Code: CodeExecutionError, Message: "boom"})
	assert.Equal(t, FrameError, errFrame.Type)
	require.NotNil(t, errFrame.Error)
}
