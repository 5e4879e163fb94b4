package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/runagent-dev/runagent-go/pkg/types"
)

const maxRequestBody = 8 << 20

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// The stream route sits outside authMiddleware: WebSocket auth
	// failures are reported as an error frame after the upgrade, not as
	// a refused handshake.
	api.HandleFunc("/agents/{agentId}/run-stream", s.handleRunStream).Methods(http.MethodGet)

	agents := api.PathPrefix("/agents").Subrouter()
	agents.Use(s.authMiddleware)
	agents.HandleFunc("/{agentId}/architecture", s.handleArchitecture).Methods(http.MethodGet)
	agents.HandleFunc("/{agentId}/run", s.handleRun).Methods(http.MethodPost)

	return router
}

func writeEnvelope(w http.ResponseWriter, status int, env types.InvocationEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// handleRoot reports agent info for humans poking at the port.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"message": "RunAgent local server - agent " + s.agentID,
		"version": s.projectConfig.Version,
		"host":    s.host,
		"port":    s.port,
		"config": map[string]interface{}{
			"agent_id":   s.agentID,
			"agent_path": s.projectPath,
			"framework":  s.projectConfig.Framework,
		},
		"endpoints": map[string]string{
			"GET /":                                "Agent info",
			"GET /health":                          "Health check",
			"GET /api/v1/agents/{id}/architecture": "Agent architecture",
			"POST /api/v1/agents/{id}/run":         "Run agent",
			"GET /api/v1/agents/{id}/run-stream":   "Run agent (WebSocket stream)",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// handleHealth is a cheap liveness probe: 200 once the project is loaded
// and the listener accepts requests, 503 during startup and teardown.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "healthy"
	if !s.ready.Load() {
		status = http.StatusServiceUnavailable
		state = "starting"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    state,
		"server":    "RunAgent Local Server",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.projectConfig.Version,
	})
}

// handleArchitecture returns the project's entrypoint list wrapped in the
// canonical envelope. Fetching it is idempotent and side-effect free.
func (s *Server) handleArchitecture(w http.ResponseWriter, r *http.Request) {
	requestID := newRequestID()

	if pathAgentID(r) != s.agentID {
		writeEnvelope(w, http.StatusNotFound, types.FailureEnvelope(s.unknownAgentBlock(pathAgentID(r)), requestID))
		return
	}

	if len(s.projectConfig.Entrypoints) == 0 {
		block := &types.ErrorBlock{
			Code:       types.CodeArchitectureMissing,
			Message:    "agent has no entrypoints configured",
			Suggestion: "Redeploy the agent with entrypoints in runagent.config.json",
		}
		writeEnvelope(w, http.StatusOK, types.FailureEnvelope(block, requestID))
		return
	}

	arch := types.AgentArchitecture{
		AgentID:     s.agentID,
		AgentName:   s.projectConfig.AgentName,
		Framework:   s.projectConfig.Framework,
		Version:     s.projectConfig.Version,
		Entrypoints: s.projectConfig.Entrypoints,
	}
	writeEnvelope(w, http.StatusOK, types.RawEnvelope(arch, requestID))
}

// handleRun serves unary invocations. Protocol-level failures (bad JSON,
// unknown agent) use 4xx; application-level failures ride a 200 envelope
// with success=false.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	requestID := newRequestID()
	log := s.log.WithRequestID(requestID)

	if pathAgentID(r) != s.agentID {
		writeEnvelope(w, http.StatusNotFound, types.FailureEnvelope(s.unknownAgentBlock(pathAgentID(r)), requestID))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		block := &types.ErrorBlock{Code: types.CodeValidation, Message: "failed to read request body"}
		writeEnvelope(w, http.StatusBadRequest, types.FailureEnvelope(block, requestID))
		return
	}

	req, err := types.DecodeInvocationRequest(body)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, types.FailureEnvelope(types.AsErrorBlock(err), requestID))
		return
	}

	log.Debug("unary invocation", zap.String("tag", req.EntrypointTag))

	result, err := s.dispatcher.RunUnary(r.Context(), req)
	s.recordRun(err == nil)
	if err != nil {
		log.Warn("unary invocation failed", zap.String("tag", req.EntrypointTag), zap.Error(err))
		writeEnvelope(w, http.StatusOK, types.FailureEnvelope(types.AsErrorBlock(err), requestID))
		return
	}

	writeEnvelope(w, http.StatusOK, types.SuccessEnvelope(result, requestID))
}

func (s *Server) unknownAgentBlock(agentID string) *types.ErrorBlock {
	return &types.ErrorBlock{
		Code:       types.CodeAgentNotFoundLocal,
		Message:    "agent " + agentID + " is not served here",
		Suggestion: "This server hosts agent " + s.agentID,
	}
}

func (s *Server) recordRun(success bool) {
	if s.reg == nil {
		return
	}
	if err := s.reg.RecordRun(s.agentID, success); err != nil {
		s.log.Warn("failed to record run", zap.Error(err))
	}
}
