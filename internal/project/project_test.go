package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runagent-dev/runagent-go/pkg/types"
)

func writeProject(t *testing.T, config string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runagent.config.json"), []byte(config), 0o644))
	return dir
}

func agentErrCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	agentErr, ok := err.(*types.AgentError)
	require.True(t, ok, "expected *types.AgentError, got %T", err)
	return agentErr.Block.Code
}

const validConfig = `{
	"agent_name": "math",
	"framework": "default",
	"version": "1.0.0",
	"entrypoints": [
		{"file": "main.go", "module": "solver", "tag": "solve"},
		{"file": "main.go", "module": "solver", "tag": "solve_stream"}
	]
}`

func testCallables() *Callables {
	return NewCallables().
		RegisterUnary("solver", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return "done", nil
		}).
		RegisterStream("solver", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (ChunkStream, error) {
			return Chunks(1, 2, 3), nil
		})
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	assert.Equal(t, types.CodeConfigMissing, agentErrCode(t, err))
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	dir := writeProject(t, `{broken`)
	_, err := LoadConfig(dir)
	assert.Equal(t, types.CodeConfigInvalid, agentErrCode(t, err))
}

func TestLoadConfigNoEntrypoints(t *testing.T) {
	dir := writeProject(t, `{"agent_name":"x","entrypoints":[]}`)
	_, err := LoadConfig(dir)
	assert.Equal(t, types.CodeConfigInvalid, agentErrCode(t, err))
}

func TestLoadConfigEmptyTag(t *testing.T) {
	dir := writeProject(t, `{"entrypoints":[{"module":"m","tag":""}]}`)
	_, err := LoadConfig(dir)
	assert.Equal(t, types.CodeConfigInvalid, agentErrCode(t, err))
}

func TestLoadConfigDuplicateTag(t *testing.T) {
	dir := writeProject(t, `{"entrypoints":[
		{"module":"a","tag":"solve"},
		{"module":"b","tag":"solve"}
	]}`)
	_, err := LoadConfig(dir)
	assert.Equal(t, types.CodeDuplicateTag, agentErrCode(t, err))
}

func TestLoadResolvesEntrypoints(t *testing.T) {
	dir := writeProject(t, validConfig)

	cfg, resolved, err := Load(dir, testCallables())
	require.NoError(t, err)
	assert.Equal(t, "math", cfg.AgentName)
	require.Len(t, resolved, 2)

	unary := resolved["solve"]
	require.NotNil(t, unary)
	assert.False(t, unary.IsStream())
	require.NotNil(t, unary.Unary)
	assert.Nil(t, unary.Stream)

	stream := resolved["solve_stream"]
	require.NotNil(t, stream)
	assert.True(t, stream.IsStream())
	require.NotNil(t, stream.Stream)
	assert.Nil(t, stream.Unary)
}

func TestLoadUnresolvedModule(t *testing.T) {
	dir := writeProject(t, `{"entrypoints":[{"module":"ghost","tag":"solve"}]}`)
	_, _, err := Load(dir, testCallables())
	assert.Equal(t, types.CodeEntrypointUnresolved, agentErrCode(t, err))
}

func TestLoadKindMismatch(t *testing.T) {
	// A stream tag bound to a module that only has a unary callable.
	dir := writeProject(t, `{"entrypoints":[{"module":"only-unary","tag":"solve_stream"}]}`)
	callables := NewCallables().RegisterUnary("only-unary", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, nil
	})
	_, _, err := Load(dir, callables)
	assert.Equal(t, types.CodeEntrypointNotCallable, agentErrCode(t, err))

	// And the reverse: a unary tag bound to a stream producer.
	dir = writeProject(t, `{"entrypoints":[{"module":"only-stream","tag":"solve"}]}`)
	callables = NewCallables().RegisterStream("only-stream", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (ChunkStream, error) {
		return Chunks(), nil
	})
	_, _, err = Load(dir, callables)
	assert.Equal(t, types.CodeEntrypointNotCallable, agentErrCode(t, err))
}

func TestLoadTagLiteralStreamSuffix(t *testing.T) {
	// The bare "_stream" tag is streaming by the literal suffix rule.
	dir := writeProject(t, `{"entrypoints":[{"module":"solver","tag":"_stream"}]}`)
	_, resolved, err := Load(dir, testCallables())
	require.NoError(t, err)
	assert.True(t, resolved["_stream"].IsStream())
}

func TestChunksStream(t *testing.T) {
	stream := Chunks("a", "b")
	ctx := context.Background()

	chunk, ok, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", chunk)

	chunk, ok, err = stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", chunk)

	_, ok, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, stream.Close())
}

func TestChannelStream(t *testing.T) {
	ch := make(chan interface{}, 2)
	ch <- 1
	ch <- 2
	close(ch)

	stream := ChannelStream(ch)
	ctx := context.Background()

	chunk, ok, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, chunk)

	_, ok, err = stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannelStreamCancellation(t *testing.T) {
	stream := ChannelStream(make(chan interface{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
