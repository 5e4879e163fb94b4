package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/runagent-dev/runagent-go/pkg/types"
)

const wsCloseGrace = 2 * time.Second

// handleRunStream serves the streaming invocation endpoint. Each socket
// carries exactly one invocation: one request frame in, then a strictly
// ordered frame sequence out (stream_started, data*, terminal), then a
// normal close.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	requestID := newRequestID()
	log := s.log.WithRequestID(requestID)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}

	sendFrame := func(frame types.StreamFrame) error {
		return conn.WriteJSON(frame)
	}
	fail := func(block *types.ErrorBlock) {
		_ = sendFrame(types.ErrorFrame(block))
		closeNormal(conn)
	}

	if s.authToken != "" && !s.authorized(r) {
		fail(&types.ErrorBlock{
			Code:       types.CodeAuthentication,
			Message:    "missing or invalid bearer token",
			Suggestion: "Pass an Authorization: Bearer header or a ?token= query parameter",
		})
		return
	}

	if agentID := pathAgentID(r); agentID != s.agentID {
		fail(s.unknownAgentBlock(agentID))
		return
	}

	req, err := types.DecodeInvocationRequest(raw)
	if err != nil {
		fail(types.AsErrorBlock(err))
		return
	}

	if err := s.dispatcher.ValidateStream(req.EntrypointTag); err != nil {
		fail(types.AsErrorBlock(err))
		return
	}

	// Cancel the invocation as soon as the peer goes away. The read pump
	// is the only reader after the request frame; it never writes.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := sendFrame(types.StatusFrame(types.StreamStarted)); err != nil {
		return
	}

	log.Debug("stream invocation", zap.String("tag", req.EntrypointTag))

	err = s.dispatcher.RunStream(ctx, req, func(chunk interface{}) error {
		return sendFrame(types.DataFrame(chunk))
	})

	switch {
	case err == nil:
		_ = sendFrame(types.StatusFrame(types.StreamCompleted))
		closeNormal(conn)
	case ctx.Err() != nil:
		// Peer cancelled; no further frames.
	default:
		log.Warn("stream invocation failed", zap.String("tag", req.EntrypointTag), zap.Error(err))
		fail(types.AsErrorBlock(err))
	}
}

func closeNormal(conn *websocket.Conn) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(wsCloseGrace))
}
