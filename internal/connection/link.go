package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// link is one physical socket. A reconnect creates a new link so pumps of a
// previous socket can tell they are stale.
type link struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	connOnce  sync.Once
	done      chan struct{}
	failed    atomic.Bool
}

func (l *link) write(data []byte, wait time.Duration) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(wait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *link) ping(wait time.Duration) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
}

func (l *link) closeConn() {
	l.connOnce.Do(func() {
		_ = l.conn.Close()
	})
}

// shutdown stops the pumps and closes the socket, sending a close frame
// with code first when code is non-zero
func (l *link) shutdown(code int, wait time.Duration) {
	l.closeOnce.Do(func() {
		close(l.done)
		if code != 0 {
			l.writeMu.Lock()
			_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(wait))
			l.writeMu.Unlock()
		}
		l.closeConn()
	})
}
