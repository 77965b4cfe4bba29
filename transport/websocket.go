// Package transport adapts message-oriented connections to the byte streams
// jsonrpc.Conn reads and writes.
package transport

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/acpbridge/errors"
)

// Upgrader accepts websocket connections from any origin; the bridge is
// meant to sit behind a local editor or proxy.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketStream carries newline-delimited frames over a websocket: each
// text message is one frame. Reads append the newline the message lacks and
// writes send one message per complete line.
type WebSocketStream struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
	partial []byte

	closeOnce sync.Once
	closeErr  error
}

func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

func (s *WebSocketStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for len(s.pending) == 0 {
		kind, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		msg = bytes.TrimRight(msg, "\r\n")
		if len(msg) == 0 {
			continue
		}
		s.pending = append(msg, '\n')
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *WebSocketStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		line := s.partial[:i]
		if len(line) > 0 {
			if err := s.conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return 0, errors.Wrapf(err, "websocket write failed")
			}
		}
		s.partial = s.partial[i+1:]
	}
	return len(p), nil
}

// Close sends a close frame and closes the underlying connection.
func (s *WebSocketStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
