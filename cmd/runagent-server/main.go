// Command runagent-server hosts a demo agent project locally. It is the
// reference for wiring your own agent binary: register callables, load the
// serving config and hand both to the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/runagent-dev/runagent-go/internal/logger"
	"github.com/runagent-dev/runagent-go/internal/project"
	"github.com/runagent-dev/runagent-go/internal/server"
)

func main() {
	var (
		agentID     = flag.String("agent-id", "", "agent ID to register (generated when empty)")
		projectPath = flag.String("project", ".", "path to the project directory containing runagent.config.json")
		configPath  = flag.String("config", "", "directory holding runagent.server.yaml (defaults to the working directory)")
	)
	flag.Parse()

	if *agentID == "" {
		*agentID = uuid.NewString()
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Options{
		AgentID:     *agentID,
		ProjectPath: *projectPath,
		Callables:   demoCallables(),
		Host:        cfg.Host,
		Port:        cfg.Port,
		AuthToken:   cfg.AuthToken,
		Logger:      log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}
	srv.SetDrainTimeout(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		os.Exit(1)
	}
}

// demoCallables backs the entrypoints of the bundled demo project: an
// echo responder and its word-by-word streaming variant.
func demoCallables() *project.Callables {
	return project.NewCallables().
		RegisterUnary("echo", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"echo":   renderMessage(args, kwargs),
				"kwargs": kwargs,
			}, nil
		}).
		RegisterStream("echo", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (project.ChunkStream, error) {
			words := strings.Fields(renderMessage(args, kwargs))
			chunks := make([]interface{}, len(words))
			for i, word := range words {
				chunks[i] = word
			}
			return project.Chunks(chunks...), nil
		})
}

func renderMessage(args []interface{}, kwargs map[string]interface{}) string {
	if msg, ok := kwargs["message"].(string); ok {
		return msg
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, fmt.Sprint(arg))
	}
	return strings.Join(parts, " ")
}
