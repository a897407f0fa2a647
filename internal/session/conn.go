// Package session owns the lifecycle of one duplex websocket connection,
// covering both node uplinks and dashboard downlinks. The two kinds share
// keepalive handling and differ in payload direction.
package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signal-meter/signalmeter/pkg/wire"
)

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// conn wraps a websocket connection with write serialization and a
// close-once guard. Keepalive timers and watcher callbacks write
// concurrently with the session's own read loop replies, so every write goes
// through the mutex.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

// send serializes and writes one wire message.
func (c *conn) send(m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// close sends a close frame with the given code and reason, then closes the
// underlying connection. Safe to call multiple times; only the first wins.
func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}
