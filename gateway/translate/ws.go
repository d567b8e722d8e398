package translate

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsCloseInvalidMessageType is the close code spec §4.8.3 mandates when a
// client sends a text frame on a socket that only carries relayed gRPC
// binary frames.
const wsCloseInvalidMessageType = 4001

// WSBridge relays one upgraded WebSocket connection's frames onto a gRPC
// target as DATA frames, per §4.8.3. Grounded on coordinator/coordinator.go's
// read/send-loop split and ping handling, adapted from "JSON control-plane
// messages" to "opaque relayed gRPC frames" and from a persistent reconnect
// loop to a single request-scoped relay.
type WSBridge struct {
	conn   *websocket.Conn
	send   func([]byte) error // forwards a relayed frame to the gRPC target
	mu     sync.Mutex
	closed bool
	sent   bool // a close frame has already been sent toward the client
}

// Upgrader is the shared gorilla/websocket upgrader for the gRPC-over-
// WebSocket subprotocol named in spec §7.
var Upgrader = websocket.Upgrader{
	Subprotocols:    []string{"grpc-websockets"},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWSBridge upgrades r/w and returns a bridge that forwards relayed frames
// through send. The caller drives Run after the gRPC target connection is
// established.
func NewWSBridge(w http.ResponseWriter, r *http.Request, send func([]byte) error) (*WSBridge, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading websocket: %w", err)
	}
	return &WSBridge{conn: conn, send: send}, nil
}

// OpeningFrame synthesizes the HTTP/2 pseudo-header preamble spec §4.8.3
// requires on the first relayed binary frame: ":method POST", ":scheme
// http", ":path <upgrade URI>" plus every forwarded trac_* header, followed
// by the frame's payload.
func OpeningFrame(r *http.Request, payload []byte) []byte {
	var b strings.Builder
	b.WriteString(":method POST\r\n")
	b.WriteString(":scheme http\r\n")
	b.WriteString(":path ")
	b.WriteString(r.URL.RequestURI())
	b.WriteString("\r\n")
	for name, values := range r.Header {
		if !strings.HasPrefix(strings.ToLower(name), "trac_") {
			continue
		}
		for _, v := range values {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")

	out := append([]byte(b.String()), payload...)
	return out
}

// Run reads frames from the client until close or error, relaying the first
// binary frame with its synthesized opening preamble and subsequent frames
// verbatim, per §4.8.3.
func (b *WSBridge) Run(r *http.Request) error {
	defer b.conn.Close()

	first := true
	for {
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return b.handleClientClose()
			}
			return err
		}

		switch msgType {
		case websocket.TextMessage:
			b.closeWith(wsCloseInvalidMessageType, "text frames are not accepted on this socket")
			return fmt.Errorf("received text frame on gRPC-over-WebSocket connection")
		case websocket.BinaryMessage:
			frame := data
			if first {
				frame = OpeningFrame(r, data)
				first = false
			}
			if err := b.send(frame); err != nil {
				return fmt.Errorf("relaying websocket frame upstream: %w", err)
			}
		case websocket.CloseMessage:
			return b.handleClientClose()
		}
	}
}

// handleClientClose implements §4.8.3's close state machine for a
// client-initiated close: echo a close response if none has yet been sent,
// otherwise the peer already has its answer and the socket just tears down.
func (b *WSBridge) handleClientClose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if !b.sent {
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(5 * time.Second))
		b.sent = true
	}
	return nil
}

// CloseFromBackend implements the backend-initiated close path: send the
// close frame toward the client, then the caller's subsequent read loop
// observes the client's reply and tears down. No frame is ever sent after a
// close frame, per §4.8.3.
func (b *WSBridge) CloseFromBackend(code int, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent {
		return nil
	}
	b.sent = true
	return b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5 * time.Second))
}

// RelayFromBackend writes a binary frame received from the gRPC target back
// to the WebSocket client, unless a close has already been sent.
func (b *WSBridge) RelayFromBackend(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent {
		return fmt.Errorf("cannot relay: close frame already sent")
	}
	return b.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (b *WSBridge) closeWith(code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent {
		return
	}
	b.sent = true
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5 * time.Second))
}
