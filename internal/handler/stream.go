package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/executor"
)

const (
	streamWriteWait = 10 * time.Second
	// streamBacklog is how many output frames may wait for a slow client
	// before further chunks are dropped from the live stream. The final
	// result always carries the full captured output.
	streamBacklog = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // callers authenticate with tokens, not cookies
	},
}

// streamFrame is a message to the client.
type streamFrame struct {
	Type   string             `json:"type"`
	Data   string             `json:"data,omitempty"`
	Result *ExecutionResponse `json:"result,omitempty"`
	Error  *ErrorResponse     `json:"error,omitempty"`
}

// HandleStream upgrades to a WebSocket, reads one execution request and
// streams stdout and stderr chunks while the code runs. The final frame is
// {"type":"result"} or {"type":"error"}. Closing the socket early cancels
// the execution.
func (h *ExecuteHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, apperror.Unavailable("code execution"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.bodyLimit)

	var req executor.Request
	if err := conn.ReadJSON(&req); err != nil {
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			h.sendFinal(conn, streamFrame{Type: "error", Error: &ErrorResponse{
				Error:   "validation_error",
				Message: "first message must be an execution request",
				Field:   "body",
			}})
		}
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Any further read (normally the close frame) ends the execution.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	frames := make(chan streamFrame, streamBacklog)
	var (
		mu      sync.Mutex
		closed  bool
		dropped int
	)
	tap := func(stream string, p []byte) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case frames <- streamFrame{Type: stream, Data: string(p)}:
		default:
			dropped++
		}
	}

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for f := range frames {
			if err := h.write(conn, f); err != nil {
				cancel()
				// Keep draining so the tap never blocks.
				for range frames {
				}
				return
			}
		}
	}()

	res, err := h.engine.ExecuteStream(ctx, req, tap)
	mu.Lock()
	closed = true
	close(frames)
	mu.Unlock()
	writer.Wait()

	if dropped > 0 {
		h.logger.Warn("stream client too slow, chunks dropped",
			slog.String("subject", subject(r)),
			slog.Int("dropped", dropped),
		)
	}

	if err != nil {
		status, errorType := statusFor(err)
		msg := "An internal error occurred"
		var field string
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			msg, field = appErr.Message, appErr.Field
		}
		h.logger.Info("streamed execution rejected",
			slog.String("subject", subject(r)),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		h.sendFinal(conn, streamFrame{Type: "error", Error: &ErrorResponse{Error: errorType, Message: msg, Field: field}})
		return
	}

	resp := NewExecutionResponse(res)
	h.sendFinal(conn, streamFrame{Type: "result", Result: &resp})
}

func (h *ExecuteHandler) write(conn *websocket.Conn, f streamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(f)
}

// sendFinal writes the last frame and a normal close.
func (h *ExecuteHandler) sendFinal(conn *websocket.Conn, f streamFrame) {
	if err := h.write(conn, f); err != nil {
		h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(streamWriteWait))
}
