// Package dispatch runs single invocations against the resolved
// entrypoints of a project. It is the only boundary between the typed
// wire world and untyped user code: every failure leaving this package
// is an AgentError carrying a taxonomy code.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runagent-dev/runagent-go/internal/logger"
	"github.com/runagent-dev/runagent-go/internal/project"
	"github.com/runagent-dev/runagent-go/pkg/types"
)

const maxTracebackBytes = 2048

// Dispatcher owns the read-only entrypoint map built at project load.
type Dispatcher struct {
	entrypoints map[string]*project.Resolved
	log         *logger.Logger
}

// New creates a Dispatcher over the loaded entrypoints.
func New(entrypoints map[string]*project.Resolved, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{entrypoints: entrypoints, log: log}
}

// Tags returns the known entrypoint tags, sorted for stable diagnostics.
func (d *Dispatcher) Tags() []string {
	tags := make([]string, 0, len(d.entrypoints))
	for tag := range d.entrypoints {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// lookup finds the entrypoint and enforces tag/transport agreement before
// any user code runs.
func (d *Dispatcher) lookup(tag string, streamTransport bool) (*project.Resolved, error) {
	entry, ok := d.entrypoints[tag]
	if !ok {
		return nil, types.NewAgentError(
			types.CodeEntrypointNotFound,
			fmt.Sprintf("unknown entrypoint %q", tag),
			types.WithSuggestion("Available tags: "+strings.Join(d.Tags(), ", ")),
		)
	}

	if entry.IsStream() && !streamTransport {
		return nil, types.NewAgentError(
			types.CodeStreamEntrypoint,
			fmt.Sprintf("entrypoint %q streams and cannot be invoked with run", tag),
			types.WithSuggestion("Use run_stream() for *_stream tags"),
		)
	}
	if !entry.IsStream() && streamTransport {
		return nil, types.NewAgentError(
			types.CodeNonStreamEntrypoint,
			fmt.Sprintf("entrypoint %q does not stream and cannot be invoked with run_stream", tag),
			types.WithSuggestion("Use run() for non-stream tags"),
		)
	}

	return entry, nil
}

// ValidateStream checks tag existence and streaming-ness without invoking
// user code, so transports can report guardrail violations before opening
// a stream.
func (d *Dispatcher) ValidateStream(tag string) error {
	_, err := d.lookup(tag, true)
	return err
}

type unaryResult struct {
	value interface{}
	err   error
}

// RunUnary executes a non-stream invocation. The request timeout is wall
// clock from dispatch start to callable return; on expiry the invocation
// context is cancelled and TIMEOUT is returned. Uncooperative user code
// finishes its current step in the background.
func (d *Dispatcher) RunUnary(ctx context.Context, req *types.InvocationRequest) (interface{}, error) {
	entry, err := d.lookup(req.EntrypointTag, false)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan unaryResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- unaryResult{err: executionPanic(r)}
			}
		}()
		value, err := entry.Unary(callCtx, req.InputArgs, req.InputKwargs)
		results <- unaryResult{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, asExecutionError(res.err)
		}
		return res.value, nil
	case <-timer.C:
		cancel()
		d.log.Warn("unary invocation timed out",
			zap.String("tag", req.EntrypointTag),
			zap.Int("timeout_seconds", req.TimeoutSeconds))
		return nil, timeoutError(req.TimeoutSeconds)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type streamItem struct {
	chunk interface{}
	done  bool
	err   error
}

// RunStream executes a streaming invocation, calling emit once per chunk
// in producer order. emit blocks on a slow peer, which backpressures the
// producer through the unbuffered handoff below. The request timeout is an
// inactivity timeout: it restarts whenever the producer yields a chunk.
// A nil return means normal exhaustion; the caller owns the terminal
// frames.
func (d *Dispatcher) RunStream(ctx context.Context, req *types.InvocationRequest, emit func(chunk interface{}) error) error {
	entry, err := d.lookup(req.EntrypointTag, true)
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := openStream(streamCtx, entry, req)
	if err != nil {
		return asExecutionError(err)
	}
	defer stream.Close()

	// Unbuffered: the producer cannot run ahead of the consumer, so chunks
	// are never accumulated in memory.
	items := make(chan streamItem)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				select {
				case items <- streamItem{err: executionPanic(r)}:
				case <-streamCtx.Done():
				}
			}
		}()
		for {
			chunk, ok, err := stream.Next(streamCtx)
			item := streamItem{chunk: chunk, done: !ok && err == nil, err: err}
			select {
			case items <- item:
			case <-streamCtx.Done():
				return
			}
			if item.done || item.err != nil {
				return
			}
		}
	}()

	inactivity := time.Duration(req.TimeoutSeconds) * time.Second
	timer := time.NewTimer(inactivity)
	defer timer.Stop()

	for {
		select {
		case item := <-items:
			if item.err != nil {
				if streamCtx.Err() != nil {
					return streamCtx.Err()
				}
				return asExecutionError(item.err)
			}
			if item.done {
				return nil
			}
			if err := emit(item.chunk); err != nil {
				// Peer is gone; stop the producer and report cancellation.
				cancel()
				return context.Canceled
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(inactivity)
		case <-timer.C:
			cancel()
			return timeoutError(req.TimeoutSeconds)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func openStream(ctx context.Context, entry *project.Resolved, req *types.InvocationRequest) (stream project.ChunkStream, err error) {
	defer func() {
		if r := recover(); r != nil {
			stream, err = nil, executionPanic(r)
		}
	}()
	return entry.Stream(ctx, req.InputArgs, req.InputKwargs)
}

func timeoutError(seconds int) error {
	return types.NewAgentError(
		types.CodeTimeout,
		fmt.Sprintf("invocation exceeded %d seconds", seconds),
		types.WithSuggestion("Raise timeout_seconds or make the entrypoint yield sooner"),
	)
}

// asExecutionError maps errors raised by user code to EXECUTION_ERROR.
// Errors already carrying a taxonomy code pass through untouched.
func asExecutionError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*types.AgentError); ok {
		return err
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return types.NewAgentError(
		types.CodeExecutionError,
		err.Error(),
		types.WithCause(err),
		types.WithDetails(map[string]interface{}{
			"error_type": fmt.Sprintf("%T", err),
		}),
	)
}

func executionPanic(recovered interface{}) error {
	trace := string(debug.Stack())
	if len(trace) > maxTracebackBytes {
		trace = trace[:maxTracebackBytes]
	}
	return types.NewAgentError(
		types.CodeExecutionError,
		fmt.Sprintf("entrypoint panicked: %v", recovered),
		types.WithDetails(map[string]interface{}{
			"error_type": fmt.Sprintf("%T", recovered),
			"traceback":  trace,
		}),
	)
}
