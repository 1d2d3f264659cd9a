package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upstream wraps the provider socket. Writes are serialized; Close is safe to
// call from any goroutine and runs once.
type upstream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func newUpstream(conn *websocket.Conn, writeTimeout time.Duration) *upstream {
	return &upstream{conn: conn, writeTimeout: writeTimeout}
}

func (u *upstream) writeJSON(v any) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(u.writeTimeout))
	return u.conn.WriteJSON(v)
}

func (u *upstream) read() ([]byte, error) {
	for {
		msgType, data, err := u.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// shutdown sends a best-effort close frame and closes the socket.
func (u *upstream) shutdown() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closing")
	_ = u.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = u.Close()
}

func (u *upstream) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.conn.Close()
	})
	return err
}
