package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// client is one websocket connection. Messages queue on send and a single
// writer goroutine drains them, since gorilla connections allow one writer.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, sendBuffer)}
}

func (c *client) writeLoop() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("WARNING: websocket write to %s: %v", c.conn.RemoteAddr(), err)
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.conn.Close()
}

// enqueue queues data without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Clients is the set of connected websocket clients. It implements
// hub.Broadcaster.
type Clients struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewClients creates an empty client set.
func NewClients() *Clients {
	return &Clients{clients: make(map[*client]struct{})}
}

func (cs *Clients) add(c *client) {
	cs.mu.Lock()
	cs.clients[c] = struct{}{}
	cs.mu.Unlock()
}

func (cs *Clients) remove(c *client) {
	cs.mu.Lock()
	delete(cs.clients, c)
	cs.mu.Unlock()
	c.close()
}

// Len returns the number of connected clients.
func (cs *Clients) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.clients)
}

// Broadcast sends msg to every client. A client too slow to keep up is
// disconnected.
func (cs *Clients) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ERROR: encoding %T: %v", msg, err)
		return
	}

	cs.mu.Lock()
	var slow []*client
	for c := range cs.clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	cs.mu.Unlock()

	for _, c := range slow {
		log.Printf("WARNING: dropping slow websocket client %s", c.conn.RemoteAddr())
		cs.remove(c)
	}
}

// CloseAll disconnects every client.
func (cs *Clients) CloseAll() {
	cs.mu.Lock()
	all := make([]*client, 0, len(cs.clients))
	for c := range cs.clients {
		all = append(all, c)
	}
	cs.clients = make(map[*client]struct{})
	cs.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

// reply returns a function that sends msg to c alone.
func reply(c *client) func(any) {
	return func(msg any) {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("ERROR: encoding %T: %v", msg, err)
			return
		}
		if !c.enqueue(data) {
			log.Printf("WARNING: reply to %s dropped, buffer full", c.conn.RemoteAddr())
		}
	}
}
