package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// testHub is a minimal relay server: it tracks the channel each socket
// subscribed to and forwards every other frame to the sockets of the same
// channel.
type testHub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[*hubClient]string
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *testHub {
	return &testHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		channels: make(map[*hubClient]string),
	}
}

func serve(t *testing.T, h http.Handler) string {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestHub(t *testing.T) (*testHub, string) {
	hub := newHub()
	return hub, serve(t, hub)
}

// flakyEndpoint serves a hub until it is broken. A broken endpoint accepts
// the websocket handshake and closes the socket right away.
type flakyEndpoint struct {
	hub    *testHub
	broken atomic.Bool
}

func newFlakyEndpoint(t *testing.T, broken bool) (*flakyEndpoint, string) {
	f := &flakyEndpoint{hub: newHub()}
	f.broken.Store(broken)
	return f, serve(t, f)
}

func (f *flakyEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !f.broken.Load() {
		f.hub.ServeHTTP(w, r)
		return
	}

	conn, err := f.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.Close()
}

func (h *testHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.channels[c] = ""
	h.mu.Unlock()

	go c.writePump()
	c.readPump(h)
}

func (c *hubClient) readPump(h *testHub) {
	defer func() {
		h.mu.Lock()
		delete(h.channels, c)
		h.mu.Unlock()
		close(c.send)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Type      string `json:"type"`
			ChannelID string `json:"channelId"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		h.mu.Lock()
		if frame.Type == "subscribe" {
			h.channels[c] = frame.ChannelID
		} else {
			for other, ch := range h.channels {
				if ch != "" && ch == frame.ChannelID {
					select {
					case other.send <- data:
					default:
					}
				}
			}
		}
		h.mu.Unlock()
	}
}

func (c *hubClient) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// subscribers returns the number of sockets subscribed to channel
func (h *testHub) subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ch := range h.channels {
		if ch == channel {
			n++
		}
	}
	return n
}

// connections returns the number of open sockets
func (h *testHub) connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// dropAll closes every socket, as a relay restart would
func (h *testHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.channels {
		c.conn.Close()
	}
}
