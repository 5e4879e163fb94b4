package runagent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/runagent-dev/runagent-go/pkg/types"
)

// StreamIterator is a blocking iterator over streaming responses. Next
// returns chunks in server order; an error frame surfaces as a
// RunAgentExecutionError and ends the stream.
type StreamIterator struct {
	conn   *websocket.Conn
	closed bool
}

func newStreamIterator(conn *websocket.Conn) *StreamIterator {
	return &StreamIterator{conn: conn}
}

// Next blocks until the next chunk arrives. The boolean reports whether
// more data is expected; (nil, false, nil) means the stream completed
// normally. Cancelling ctx unblocks a pending read and returns ctx.Err().
func (s *StreamIterator) Next(ctx context.Context) (interface{}, bool, error) {
	if s.closed {
		return nil, false, nil
	}

	// ReadMessage has no context form; close the socket to unblock it when
	// ctx is cancelled mid-read.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-watch:
		}
	}()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, false, nil
			}
			return nil, false, newError(
				types.CodeConnection,
				"failed to read stream message",
				withCause(err),
			)
		}

		var frame wireFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.Close()
			return nil, false, newError(types.CodeServerError, "invalid stream message", withCause(err))
		}

		if hasValue(frame.Error) {
			s.Close()
			return nil, false, newExecutionError(0, frameErrorBlock(frame))
		}

		switch strings.ToLower(frame.Type) {
		case types.FrameStatus:
			switch strings.ToLower(frame.Status) {
			case types.StreamCompleted:
				s.Close()
				return nil, false, nil
			default:
				// stream_started and unknown statuses carry no data.
				continue
			}
		case types.FrameError:
			s.Close()
			return nil, false, newExecutionError(0, frameErrorBlock(frame))
		default:
			// data, plus unknown types for forward compatibility.
			payload, err := decodeStreamPayload(frame)
			if err != nil {
				s.Close()
				return nil, false, err
			}
			return payload, true, nil
		}
	}
}

// Close terminates the underlying WebSocket connection. Closing mid-stream
// tells the server to cancel the invocation.
func (s *StreamIterator) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func decodeStreamPayload(frame wireFrame) (interface{}, error) {
	raw := frame.Content
	if len(raw) == 0 {
		raw = frame.Data
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Fall back to raw text.
		return string(raw), nil
	}

	switch v := payload.(type) {
	case map[string]interface{}:
		if content, ok := v["content"]; ok {
			return content, nil
		}
		return decodeStructuredObject(v), nil
	case string:
		decoded := decodeStructuredString(v)
		if m, ok := decoded.(map[string]interface{}); ok {
			return decodeStructuredObject(m), nil
		}
		return decoded, nil
	default:
		return v, nil
	}
}

func frameErrorBlock(frame wireFrame) *types.ErrorBlock {
	if block := parseErrorValue(frame.Error); block != nil {
		return block
	}
	return &types.ErrorBlock{
		Code:    types.CodeServerError,
		Message: "stream failed",
	}
}
