// Package project loads a project's declarative configuration and binds
// its entrypoints to callables supplied by the embedding agent binary.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/runagent-dev/runagent-go/pkg/constants"
	"github.com/runagent-dev/runagent-go/pkg/types"
)

// Config is the parsed runagent.config.json. It is immutable for the
// lifetime of an agent server.
type Config struct {
	AgentName   string             `json:"agent_name"`
	Framework   string             `json:"framework"`
	Version     string             `json:"version"`
	Entrypoints []types.EntryPoint `json:"entrypoints"`
}

// UnaryFunc is the capability contract for a non-stream entrypoint: one
// call, one result. Errors surface to clients as EXECUTION_ERROR.
type UnaryFunc func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// StreamFunc produces a lazy, possibly infinite chunk sequence. The
// runtime stops iterating on cancellation.
type StreamFunc func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (ChunkStream, error)

// ChunkStream is the lazy sequence contract for streaming entrypoints.
// Next blocks until a chunk is ready; ok=false signals normal exhaustion.
type ChunkStream interface {
	Next(ctx context.Context) (chunk interface{}, ok bool, err error)
	Close() error
}

// Resolved pairs an entrypoint spec with its loaded callable. Exactly one
// of Unary/Stream is set, matching the tag's streaming-ness.
type Resolved struct {
	Spec   types.EntryPoint
	Unary  UnaryFunc
	Stream StreamFunc
}

// IsStream reports the dispatch mode of the resolved entrypoint.
func (r *Resolved) IsStream() bool {
	return r.Stream != nil
}

// Callables is the table of functions an agent binary registers before
// starting its server, keyed by the module name the config refers to.
type Callables struct {
	unary  map[string]UnaryFunc
	stream map[string]StreamFunc
}

// NewCallables creates an empty callable table.
func NewCallables() *Callables {
	return &Callables{
		unary:  make(map[string]UnaryFunc),
		stream: make(map[string]StreamFunc),
	}
}

// RegisterUnary binds a module name to a unary callable.
func (c *Callables) RegisterUnary(module string, fn UnaryFunc) *Callables {
	c.unary[module] = fn
	return c
}

// RegisterStream binds a module name to a stream producer.
func (c *Callables) RegisterStream(module string, fn StreamFunc) *Callables {
	c.stream[module] = fn
	return c
}

// LoadConfig reads and validates the declarative config at the project
// root. Failures use CONFIG_MISSING and CONFIG_INVALID.
func LoadConfig(projectPath string) (*Config, error) {
	configPath := filepath.Join(projectPath, constants.AgentConfigFileName)

	raw, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewAgentError(
				types.CodeConfigMissing,
				fmt.Sprintf("no %s found in %s", constants.AgentConfigFileName, projectPath),
				types.WithSuggestion("Create a runagent.config.json declaring the project's entrypoints"),
			)
		}
		return nil, types.NewAgentError(types.CodeConfigInvalid, "failed to read project config", types.WithCause(err))
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, types.NewAgentError(
			types.CodeConfigInvalid,
			fmt.Sprintf("%s is not valid JSON", constants.AgentConfigFileName),
			types.WithCause(err),
		)
	}

	if len(cfg.Entrypoints) == 0 {
		return nil, types.NewAgentError(
			types.CodeConfigInvalid,
			"project config declares no entrypoints",
			types.WithSuggestion("Add at least one entrypoint with file, module and tag"),
		)
	}

	seen := make(map[string]bool, len(cfg.Entrypoints))
	for _, ep := range cfg.Entrypoints {
		if strings.TrimSpace(ep.Tag) == "" {
			return nil, types.NewAgentError(types.CodeConfigInvalid, "entrypoint with empty tag")
		}
		if seen[ep.Tag] {
			return nil, types.NewAgentError(
				types.CodeDuplicateTag,
				fmt.Sprintf("entrypoint tag %q declared more than once", ep.Tag),
			)
		}
		seen[ep.Tag] = true
	}

	return &cfg, nil
}

// Load reads the project config and resolves every entrypoint against the
// supplied callable table. Callables are resolved once here and cached for
// the server's lifetime. The streaming-ness check is nominal: the tag
// suffix must match the kind of callable registered for the module, and
// behavior is enforced again at dispatch.
func Load(projectPath string, callables *Callables) (*Config, map[string]*Resolved, error) {
	cfg, err := LoadConfig(projectPath)
	if err != nil {
		return nil, nil, err
	}

	if callables == nil {
		callables = NewCallables()
	}

	resolved := make(map[string]*Resolved, len(cfg.Entrypoints))
	for _, ep := range cfg.Entrypoints {
		entry := &Resolved{Spec: ep}

		if ep.IsStream() {
			fn, ok := callables.stream[ep.Module]
			if !ok {
				if _, unaryRegistered := callables.unary[ep.Module]; unaryRegistered {
					return nil, nil, types.NewAgentError(
						types.CodeEntrypointNotCallable,
						fmt.Sprintf("module %q for stream tag %q is not a stream producer", ep.Module, ep.Tag),
						types.WithSuggestion("Register the module with RegisterStream, or drop the _stream suffix from the tag"),
					)
				}
				return nil, nil, unresolvedErr(ep)
			}
			if fn == nil {
				return nil, nil, notCallableErr(ep)
			}
			entry.Stream = fn
		} else {
			fn, ok := callables.unary[ep.Module]
			if !ok {
				if _, streamRegistered := callables.stream[ep.Module]; streamRegistered {
					return nil, nil, types.NewAgentError(
						types.CodeEntrypointNotCallable,
						fmt.Sprintf("module %q for tag %q is a stream producer, not a unary callable", ep.Module, ep.Tag),
						types.WithSuggestion("Register the module with RegisterUnary, or add the _stream suffix to the tag"),
					)
				}
				return nil, nil, unresolvedErr(ep)
			}
			if fn == nil {
				return nil, nil, notCallableErr(ep)
			}
			entry.Unary = fn
		}

		resolved[ep.Tag] = entry
	}

	return cfg, resolved, nil
}

func unresolvedErr(ep types.EntryPoint) error {
	return types.NewAgentError(
		types.CodeEntrypointUnresolved,
		fmt.Sprintf("no callable registered for module %q (tag %q, file %s)", ep.Module, ep.Tag, ep.File),
		types.WithSuggestion("Register the module before starting the server"),
	)
}

func notCallableErr(ep types.EntryPoint) error {
	return types.NewAgentError(
		types.CodeEntrypointNotCallable,
		fmt.Sprintf("module %q (tag %q) resolved to a nil callable", ep.Module, ep.Tag),
	)
}

// Chunks adapts an eager slice of values into a ChunkStream. Handy for
// agents whose producers are not naturally lazy.
func Chunks(values ...interface{}) ChunkStream {
	return &sliceStream{values: values}
}

type sliceStream struct {
	values []interface{}
	pos    int
}

func (s *sliceStream) Next(ctx context.Context) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.pos >= len(s.values) {
		return nil, false, nil
	}
	chunk := s.values[s.pos]
	s.pos++
	return chunk, true, nil
}

func (s *sliceStream) Close() error {
	s.pos = len(s.values)
	return nil
}

// ChannelStream adapts a channel of chunks into a ChunkStream. The
// producer closes the channel to end the stream.
func ChannelStream(ch <-chan interface{}) ChunkStream {
	return &chanStream{ch: ch}
}

type chanStream struct {
	ch <-chan interface{}
}

func (s *chanStream) Next(ctx context.Context) (interface{}, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case chunk, ok := <-s.ch:
		if !ok {
			return nil, false, nil
		}
		return chunk, true, nil
	}
}

func (s *chanStream) Close() error { return nil }
