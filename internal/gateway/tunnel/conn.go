package tunnel

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for a single frame write to complete.
	writeWait = 10 * time.Second

	// maxFrameSize bounds inbound frames. Result frames carry whole row sets,
	// so the limit is generous compared to control traffic.
	maxFrameSize = 16 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Agents are headless processes, not browsers; the Origin header
		// carries no signal here.
		return true
	},
}

// Conn adapts a websocket connection to the session transport. Every frame
// is UTF-8 text carrying one JSON object. Writes are bounded by writeWait;
// reads have no deadline once the handshake is over, because liveness is
// governed by protocol heartbeats rather than transport timeouts.
type Conn struct {
	ws *websocket.Conn
}

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxFrameSize)
	return &Conn{ws: ws}
}

// ReadMessage blocks until the next data frame arrives.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteMessage sends one text frame.
func (c *Conn) WriteMessage(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// setReadDeadline arms a read deadline; the zero time clears it. Only the
// handshake reads under a deadline.
func (c *Conn) setReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// writeClose sends a close control frame so the agent learns why the socket
// is going away before it drops.
func (c *Conn) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
