package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/infrastructure/eventbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Recorded blobs arrive in a single frame; allow a generous ceiling.
	maxMessageSize = 16 << 20
)

// conn wraps a websocket connection with serialized writes. Bus handlers,
// the ping ticker and the read loop all write concurrently; the mutex keeps
// frames intact.
type conn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	log  zerolog.Logger
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, log zerolog.Logger) *conn {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	c := &conn{
		ws:   ws,
		log:  log,
		done: make(chan struct{}),
	}
	go c.pingLoop()
	return c
}

// writeEvent sends one server event as a JSON frame.
func (c *conn) writeEvent(ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// read blocks for the next client frame.
func (c *conn) read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("ping failed, closing connection")
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
