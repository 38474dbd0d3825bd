package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"chatcore-backend/pkg/constants"
)

// WebSocketDialer dials the gateway with github.com/coder/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	UserAgent  string
	// ReadLimit caps inbound frames; constants.WebSocketMaxMessageSize when zero
	ReadLimit int64
}

func (d WebSocketDialer) headers(token string) http.Header {
	h := http.Header{}
	if d.UserAgent != "" {
		h.Set("User-Agent", d.UserAgent)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// Dial opens a websocket to endpoint. A 401 from the upgrade is reported as
// ErrUnauthorized.
func (d WebSocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.headers(token),
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = constants.WebSocketMaxMessageSize
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// Read returns the next text frame. Binary frames are not part of the protocol.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
