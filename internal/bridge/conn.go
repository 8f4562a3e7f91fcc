package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait bounds the silence between page messages; the page pings well within it.
	readWait = 5 * time.Minute
)

// peer is one connected page. gorilla/websocket allows a single concurrent
// writer, so every write goes through mu.
type peer struct {
	conn      *websocket.Conn
	userAgent string
	mu        sync.Mutex
}

// WriteTyped sends a strongly-typed payload over the WebSocket.
func (p *peer) WriteTyped(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (p *peer) WriteError(errMsg string) error {
	return p.WriteTyped(ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadMessage reads one raw message with a read deadline.
func (p *peer) ReadMessage() ([]byte, error) {
	p.conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := p.conn.ReadMessage()
	return data, err
}
