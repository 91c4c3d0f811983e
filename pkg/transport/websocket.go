package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketStream adapts a gorilla websocket connection to Stream.
type WebSocketStream struct {
	conn         *websocket.Conn
	messageType  int
	writeTimeout time.Duration

	mu        sync.Mutex // Protects conn writes
	closeOnce sync.Once
}

// NewWebSocketStream wraps conn. Frames are written as binary messages when
// binary is true and as text messages otherwise.
func NewWebSocketStream(conn *websocket.Conn, binary bool, writeTimeout time.Duration) *WebSocketStream {
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	return &WebSocketStream{conn: conn, messageType: mt, writeTimeout: writeTimeout}
}

// Dial opens a websocket to url and wraps it. A nil dialer means
// websocket.DefaultDialer.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header,
	binary bool, writeTimeout time.Duration) (*WebSocketStream, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocketStream(conn, binary, writeTimeout), nil
}

// Read returns the next data message. Ping and pong control frames are
// handled by gorilla. It returns ErrClosed on a normal close.
func (w *WebSocketStream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, w.mapReadError(err)
	}
	return data, nil
}

func (w *WebSocketStream) mapReadError(err error) error {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return ErrMessageTooLarge
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return ErrClosed
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	}
	return err
}

// Write sends one message, bounded by the write timeout and the context
// deadline, whichever is sooner.
func (w *WebSocketStream) Write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if w.writeTimeout > 0 {
		deadline = time.Now().Add(w.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	w.conn.SetWriteDeadline(deadline)

	if err := w.conn.WriteMessage(w.messageType, data); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ErrWriteTimeout
		}
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close sends a close frame and closes the connection. gorilla allows
// WriteControl and Close concurrently with a pending write.
func (w *WebSocketStream) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = w.conn.Close()
	})
	return err
}

// Conn returns the underlying connection.
func (w *WebSocketStream) Conn() *websocket.Conn {
	return w.conn
}
