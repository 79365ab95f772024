package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// transport is one message-oriented connection to the feed. The client run
// loop owns exactly one at a time.
type transport interface {
	// Send writes one outbound command.
	Send(data []byte) error

	// ReadFrame blocks until the next inbound frame or a terminal error.
	ReadFrame() ([]byte, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// dialFunc opens a transport. onPong fires whenever a WebSocket-level pong
// arrives; it feeds the heartbeat's liveness timestamp.
type dialFunc func(ctx context.Context, url string, writeTimeout time.Duration, onPong func()) (transport, error)

// wsTransport wraps a gorilla WebSocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// dialWebSocket is the production dialFunc.
func dialWebSocket(ctx context.Context, url string, writeTimeout time.Duration, onPong func()) (transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return nil
	})

	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}, nil
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
