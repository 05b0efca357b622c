package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetgate/gateway/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla websocket connection to the narrow
// read/write/close surface the session loop and the Connection Registry
// need. It implements registry.Transport.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	open    bool
}

// Upgrade completes the websocket handshake for r/w.
func Upgrade(w http.ResponseWriter, r *http.Request) (*wsTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn, open: true}, nil
}

// ReadFrame blocks for the next text message and decodes it as a Frame.
func (t *wsTransport) ReadFrame(maxSize int64) (domain.Frame, error) {
	t.conn.SetReadLimit(maxSize)
	_, raw, err := t.conn.ReadMessage()
	if err != nil {
		return domain.Frame{}, err
	}
	var f domain.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.Frame{}, &malformedFrameError{cause: err}
	}
	return f, nil
}

type malformedFrameError struct{ cause error }

func (e *malformedFrameError) Error() string { return "malformed frame: " + e.cause.Error() }
func (e *malformedFrameError) Unwrap() error { return e.cause }

// WriteFrame serializes f and writes it as a single text message.
func (t *wsTransport) WriteFrame(f domain.Frame, writeWait time.Duration) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

// CloseWithError implements registry.Transport: best-effort delivery of
// an ERROR frame naming reason, then a close handshake carrying reason's
// close code (normal closure when reason maps to none).
func (t *wsTransport) CloseWithError(reason domain.ErrorKind) {
	code, _ := reason.CloseCode()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = t.WriteFrame(domain.Frame{
		Type:    domain.FrameError,
		Payload: mustMarshal(domain.ErrorPayload{Error: string(reason), Code: string(reason)}),
	}, 5*time.Second)
	t.closeConn(code, string(reason))
}

// CloseNormal closes the transport with a normal-closure handshake.
func (t *wsTransport) CloseNormal() {
	t.closeConn(websocket.CloseNormalClosure, "")
}

func (t *wsTransport) closeConn(code int, reason string) {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return
	}
	t.open = false
	t.mu.Unlock()

	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	t.writeMu.Unlock()
	t.conn.Close()
}

// IsOpen implements registry.Transport.
func (t *wsTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
