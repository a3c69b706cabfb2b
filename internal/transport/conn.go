package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// MessageText is the WebSocket message type frames are written with.
const MessageText = websocket.TextMessage

// Conn is one broker socket. *websocket.Conn satisfies it; tests substitute
// an in-memory broker.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens broker sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the broker with gorilla/websocket.
type WebsocketDialer struct {
	// Header is sent with the upgrade request (e.g. Origin).
	Header http.Header

	// ReadLimit caps inbound message size; zero means 100MB, matching the
	// broker's maxFramePayloadSize.
	ReadLimit int64

	// WriteTimeout bounds each frame write; zero disables the deadline.
	WriteTimeout time.Duration
}

// defaultReadLimit matches the broker's maxFramePayloadSize query parameter.
const defaultReadLimit = 100 * 1024 * 1024

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{"v12.stomp"},
	}
	url = websocketURL(url)
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)

	return &websocketConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

// websocketURL maps http(s) broker endpoints onto ws(s).
func websocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	return url
}

// websocketConn applies a write deadline to every frame.
type websocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *websocketConn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *websocketConn) WriteMessage(messageType int, data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *websocketConn) Close() error {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}
