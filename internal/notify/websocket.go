package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket pushes each message as one JSON frame to a dashboard feed.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer
}

func NewWebSocket(url string) *WebSocket {
	return &WebSocket{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (w *WebSocket) Name() string { return "websocket" }

type frame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

func (w *WebSocket) Send(ctx context.Context, msg Message) error {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s (HTTP %d): %w", w.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(frame{Type: "notification", Message: msg}); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return nil
}
