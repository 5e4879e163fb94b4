package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runagent-dev/runagent-go/internal/project"
	"github.com/runagent-dev/runagent-go/internal/registry"
	"github.com/runagent-dev/runagent-go/pkg/types"
)

const testAgentID = "test-agent"

const testProjectConfig = `{
	"agent_name": "echo",
	"framework": "default",
	"version": "1.0.0",
	"entrypoints": [
		{"file": "main.go", "module": "echo", "tag": "echo"},
		{"file": "main.go", "module": "echo", "tag": "echo_stream"},
		{"file": "main.go", "module": "fail", "tag": "fail"}
	]
}`

func testCallables() *project.Callables {
	return project.NewCallables().
		RegisterUnary("echo", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			msg, _ := kwargs["message"].(string)
			return "ok:" + msg, nil
		}).
		RegisterStream("echo", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (project.ChunkStream, error) {
			msg, _ := kwargs["message"].(string)
			words := strings.Fields(msg)
			chunks := make([]interface{}, len(words))
			for i, w := range words {
				chunks[i] = w
			}
			return project.Chunks(chunks...), nil
		}).
		RegisterUnary("fail", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("deliberate failure")
		})
}

func newTestServer(t *testing.T, authToken string) (*Server, *httptest.Server, *registry.Service) {
	t.Helper()

	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "runagent.config.json"), []byte(testProjectConfig), 0o644))

	reg, err := registry.NewService(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	srv, err := New(Options{
		AgentID:     testAgentID,
		ProjectPath: projectDir,
		Callables:   testCallables(),
		AuthToken:   authToken,
		Registry:    reg,
	})
	require.NoError(t, err)
	srv.ready.Store(true)

	ts := httptest.NewServer(srv.setupRoutes())
	t.Cleanup(ts.Close)
	return srv, ts, reg
}

func postRun(t *testing.T, ts *httptest.Server, agentID string, body string) (*http.Response, types.InvocationEnvelope) {
	t.Helper()
	resp, err := http.Post(
		ts.URL+"/api/v1/agents/"+agentID+"/run",
		"application/json",
		bytes.NewReader([]byte(body)),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env types.InvocationEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestRunHappyPath(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, env := postRun(t, ts, testAgentID, `{"entrypoint_tag":"echo","input_kwargs":{"message":"hi"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)
	assert.NotEmpty(t, env.Timestamp)

	data := env.Data.(map[string]interface{})
	resultData := data["result_data"].(map[string]interface{})
	assert.Equal(t, "ok:hi", resultData["data"])
}

func TestRunUnknownEntrypoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, env := postRun(t, ts, testAgentID, `{"entrypoint_tag":"ghost"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeEntrypointNotFound, env.Error.Code)
	assert.Contains(t, env.Error.Suggestion, "echo")
	assert.Contains(t, env.Error.Suggestion, "echo_stream")
}

func TestRunStreamTagRejected(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, env := postRun(t, ts, testAgentID, `{"entrypoint_tag":"echo_stream"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeStreamEntrypoint, env.Error.Code)
}

func TestRunExecutionFailure(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, env := postRun(t, ts, testAgentID, `{"entrypoint_tag":"fail"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeExecutionError, env.Error.Code)
	assert.Contains(t, env.Error.Message, "deliberate failure")
}

func TestRunBadJSON(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, env := postRun(t, ts, testAgentID, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeValidation, env.Error.Code)
}

func TestRunNegativeTimeout(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, env := postRun(t, ts, testAgentID, `{"entrypoint_tag":"echo","timeout_seconds":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeValidation, env.Error.Code)
}

func TestRunUnknownAgent(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, env := postRun(t, ts, "other-agent", `{"entrypoint_tag":"echo"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeAgentNotFoundLocal, env.Error.Code)
}

func TestArchitecture(t *testing.T) {
	_, ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/api/v1/agents/" + testAgentID + "/architecture")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Success bool                    `json:"success"`
		Data    types.AgentArchitecture `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.Success)
	assert.Equal(t, testAgentID, env.Data.AgentID)
	require.Len(t, env.Data.Entrypoints, 3)
	assert.Equal(t, "echo", env.Data.Entrypoints[0].Tag)
}

func TestHealth(t *testing.T) {
	srv, ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.ready.Store(false)
	resp, err = http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	_, ts, _ := newTestServer(t, "sekrit")

	// No token.
	resp, env := postRun(t, ts, testAgentID, `{"entrypoint_tag":"echo"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodeAuthentication, env.Error.Code)

	// Bearer header.
	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/api/v1/agents/"+testAgentID+"/run",
		bytes.NewReader([]byte(`{"entrypoint_tag":"echo","input_kwargs":{"message":"hi"}}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekrit")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// Health stays open.
	health, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func dialStream(t *testing.T, ts *httptest.Server, agentID, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/agents/" + agentID + "/run-stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (types.StreamFrame, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame types.StreamFrame
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	require.NoError(t, json.Unmarshal(msg, &frame))
	return frame, nil
}

func TestStreamFrameGrammar(t *testing.T) {
	_, ts, _ := newTestServer(t, "")
	conn := dialStream(t, ts, testAgentID, "")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"entrypoint_tag": "echo_stream",
		"input_kwargs":   map[string]interface{}{"message": "one two three"},
	}))

	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	assert.Equal(t, types.FrameStatus, frame.Type)
	assert.Equal(t, types.StreamStarted, frame.Status)

	var chunks []interface{}
	for {
		frame, err = readFrame(t, conn)
		require.NoError(t, err)
		if frame.Type == types.FrameStatus {
			assert.Equal(t, types.StreamCompleted, frame.Status)
			break
		}
		require.Equal(t, types.FrameData, frame.Type)
		chunks = append(chunks, frame.Content)
	}
	assert.Equal(t, []interface{}{"one", "two", "three"}, chunks)

	// Server closes with a normal closure after the terminal frame.
	_, err = readFrame(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestStreamRejectsUnaryTagBeforeStart(t *testing.T) {
	_, ts, _ := newTestServer(t, "")
	conn := dialStream(t, ts, testAgentID, "")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"entrypoint_tag": "echo"}))

	// The error frame comes first; stream_started is never sent.
	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	assert.Equal(t, types.FrameError, frame.Type)
	require.NotNil(t, frame.Error)
	assert.Equal(t, types.CodeNonStreamEntrypoint, frame.Error.Code)

	_, err = readFrame(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStreamUnknownAgent(t *testing.T) {
	_, ts, _ := newTestServer(t, "")
	conn := dialStream(t, ts, "other-agent", "")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"entrypoint_tag": "echo_stream"}))

	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	assert.Equal(t, types.FrameError, frame.Type)
	require.NotNil(t, frame.Error)
	assert.Equal(t, types.CodeAgentNotFoundLocal, frame.Error.Code)
}

func TestStreamQueryTokenAuth(t *testing.T) {
	_, ts, _ := newTestServer(t, "sekrit")

	// Without a token the upgrade still succeeds; the failure arrives as
	// an error frame after the request frame.
	unauthed := dialStream(t, ts, testAgentID, "")
	require.NoError(t, unauthed.WriteJSON(map[string]interface{}{"entrypoint_tag": "echo_stream"}))
	frame, err := readFrame(t, unauthed)
	require.NoError(t, err)
	assert.Equal(t, types.FrameError, frame.Type)
	require.NotNil(t, frame.Error)
	assert.Equal(t, types.CodeAuthentication, frame.Error.Code)

	// The ?token= fallback authenticates WebSocket clients.
	conn := dialStream(t, ts, testAgentID, "?token=sekrit")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"entrypoint_tag": "echo_stream",
		"input_kwargs":   map[string]interface{}{"message": "hi"},
	}))
	frame, err = readFrame(t, conn)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStarted, frame.Status)
}

// newStreamTestServer builds a server whose only entrypoint is a single
// streaming tag backed by fn.
func newStreamTestServer(t *testing.T, module string, fn project.StreamFunc) *httptest.Server {
	t.Helper()

	config := fmt.Sprintf(`{
		"agent_name": "%s",
		"framework": "default",
		"version": "1.0.0",
		"entrypoints": [
			{"file": "main.go", "module": "%s", "tag": "%s_stream"}
		]
	}`, module, module, module)

	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "runagent.config.json"), []byte(config), 0o644))

	reg, err := registry.NewService(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	srv, err := New(Options{
		AgentID:     testAgentID,
		ProjectPath: projectDir,
		Callables:   project.NewCallables().RegisterStream(module, fn),
		Registry:    reg,
	})
	require.NoError(t, err)
	srv.ready.Store(true)

	ts := httptest.NewServer(srv.setupRoutes())
	t.Cleanup(ts.Close)
	return ts
}

func TestStreamPeerCloseStopsProducer(t *testing.T) {
	var produced atomic.Int64
	ts := newStreamTestServer(t, "drip", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (project.ChunkStream, error) {
		ch := make(chan interface{})
		go func() {
			defer close(ch)
			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return
				case ch <- i:
					produced.Add(1)
				}
			}
		}()
		return project.ChannelStream(ch), nil
	})

	conn := dialStream(t, ts, testAgentID, "")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"entrypoint_tag": "drip_stream"}))

	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStarted, frame.Status)
	for i := 0; i < 2; i++ {
		frame, err = readFrame(t, conn)
		require.NoError(t, err)
		assert.Equal(t, types.FrameData, frame.Type)
	}

	// Hang up mid-stream. The read pump cancels the invocation; the
	// producer must stop instead of draining an endless stream.
	require.NoError(t, conn.Close())
	time.Sleep(300 * time.Millisecond)
	before := produced.Load()
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, produced.Load(), before+1, "producer kept running after peer close")
}

// haltingStream yields a fixed number of chunks, then fails.
type haltingStream struct {
	remaining int
}

func (s *haltingStream) Next(ctx context.Context) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.remaining == 0 {
		return nil, false, fmt.Errorf("upstream connection reset")
	}
	s.remaining--
	return "tick", true, nil
}

func (s *haltingStream) Close() error { return nil }

func TestStreamProducerFailureMidStream(t *testing.T) {
	ts := newStreamTestServer(t, "flaky", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (project.ChunkStream, error) {
		return &haltingStream{remaining: 2}, nil
	})

	conn := dialStream(t, ts, testAgentID, "")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"entrypoint_tag": "flaky_stream"}))

	frame, err := readFrame(t, conn)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStarted, frame.Status)

	// Chunks produced before the failure are delivered, then the failure
	// arrives as a single terminal error frame.
	for i := 0; i < 2; i++ {
		frame, err = readFrame(t, conn)
		require.NoError(t, err)
		require.Equal(t, types.FrameData, frame.Type)
		assert.Equal(t, "tick", frame.Content)
	}

	frame, err = readFrame(t, conn)
	require.NoError(t, err)
	assert.Equal(t, types.FrameError, frame.Type)
	require.NotNil(t, frame.Error)
	assert.Equal(t, types.CodeExecutionError, frame.Error.Code)
	assert.Contains(t, frame.Error.Message, "upstream connection reset")

	_, err = readFrame(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestRunLifecycle(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "runagent.config.json"), []byte(testProjectConfig), 0o644))

	reg, err := registry.NewService(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer reg.Close()

	srv, err := New(Options{
		AgentID:     testAgentID,
		ProjectPath: projectDir,
		Callables:   testCallables(),
		Port:        0,
		Registry:    reg,
	})
	require.NoError(t, err)
	srv.SetDrainTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Wait for the server to come up and register itself.
	var rec *registry.Record
	require.Eventually(t, func() bool {
		rec, err = reg.Get(testAgentID)
		return err == nil && rec != nil && rec.Status == registry.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotZero(t, rec.Port)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	rec, err = reg.Get(testAgentID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, rec.Status)
}

func TestRunAllocatesPortFromWindow(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "runagent.config.json"), []byte(testProjectConfig), 0o644))

	reg, err := registry.NewService(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer reg.Close()

	srv, err := New(Options{
		AgentID:     testAgentID,
		ProjectPath: projectDir,
		Callables:   testCallables(),
		Port:        -1,
		Registry:    reg,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := reg.Get(testAgentID)
		return err == nil && rec != nil && rec.Status == registry.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	rec, err := reg.Get(testAgentID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Port, 8450)
	assert.LessOrEqual(t, rec.Port, 8500)

	cancel()
	require.NoError(t, <-done)
}

func TestRunRecoversStaleRecord(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "runagent.config.json"), []byte(testProjectConfig), 0o644))

	reg, err := registry.NewService(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer reg.Close()

	// A crashed server left a running record behind.
	require.NoError(t, reg.Register(&registry.Record{
		AgentID:     testAgentID,
		ProjectPath: projectDir,
		Host:        "127.0.0.1",
		Port:        0,
		Status:      registry.StatusRunning,
	}))

	srv, err := New(Options{
		AgentID:     testAgentID,
		ProjectPath: projectDir,
		Callables:   testCallables(),
		Port:        0,
		Registry:    reg,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := reg.Get(testAgentID)
		return err == nil && rec != nil && rec.Status == registry.StatusRunning && rec.Port != 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunClearsStrandedRecordAtAddress(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "runagent.config.json"), []byte(testProjectConfig), 0o644))

	reg, err := registry.NewService(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer reg.Close()

	// Reserve a free port, then pretend another agent crashed while
	// starting up on it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	require.NoError(t, reg.Register(&registry.Record{
		AgentID:     "stranded-agent",
		ProjectPath: projectDir,
		Host:        "127.0.0.1",
		Port:        port,
		Status:      registry.StatusStarting,
	}))

	srv, err := New(Options{
		AgentID:     testAgentID,
		ProjectPath: projectDir,
		Callables:   testCallables(),
		Port:        port,
		Registry:    reg,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := reg.Get(testAgentID)
		return err == nil && rec != nil && rec.Status == registry.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	// Binding the port proved the stranded record stale; only one
	// non-stopped record may claim the address.
	stranded, err := reg.Get("stranded-agent")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, stranded.Status)

	cancel()
	require.NoError(t, <-done)
}
