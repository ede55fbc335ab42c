package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proxypal/proxypal/internal/server"
	"github.com/proxypal/proxypal/internal/status"
)

const websocketHandshakeTimeout = 10 * time.Second

// ErrStopWatching can be returned by a WatchStatus callback to end the
// stream without an error.
var ErrStopWatching = errors.New("client: stop watching")

// WatchStatus streams status snapshots to fn until ctx ends, fn returns
// an error, or the daemon closes the stream.
func (c *HTTPClient) WatchStatus(ctx context.Context, fn func(status.Snapshot) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/status"
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: websocketHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: open status stream: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("client: open status stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client: read status stream: %w", err)
		}

		var msg server.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("client: decode status message: %w", err)
		}
		if msg.Type != server.MessageStatus {
			continue
		}
		if err := fn(msg.Data); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}
