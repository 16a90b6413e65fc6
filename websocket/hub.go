package websocket

import (
	"encoding/json"
	"sync"
)

// Hub is a registry of live connections keyed by connection ID.
//
// Hub broadcasts messages to every registered connection and closes them
// all on shutdown. A registered connection is removed automatically once it
// reaches StateClosed, so handlers never have to call Unregister.
//
// Example Usage:
//
//	hub := websocket.NewHub()
//	defer hub.CloseAll(websocket.CloseGoingAway, "server shutdown")
//
//	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    conn, err := websocket.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    hub.Register(conn)
//	    _ = conn.Run(r.Context(), chatHandler{hub: hub})
//	})
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Conn
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Conn),
	}
}

// Register adds c to the Hub. It returns false when the Hub is closed or a
// connection with the same ID is already registered.
func (h *Hub) Register(c *Conn) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	if _, ok := h.clients[c.ID()]; ok {
		h.mu.Unlock()
		return false
	}
	h.clients[c.ID()] = c
	h.mu.Unlock()

	go func() {
		<-c.Done()
		h.Unregister(c)
	}()
	return true
}

// Unregister removes c from the Hub without closing it.
// Safe to call multiple times for the same connection.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.ID()]; ok && cur == c {
		delete(h.clients, c.ID())
	}
}

// Get returns the connection registered under id.
func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// snapshot copies the registered connections so writes happen without the
// Hub lock held.
func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast sends msg to every registered connection and returns how many
// sends succeeded. Sends run concurrently so a slow peer only delays
// itself; Broadcast returns once every send finished.
func (h *Hub) Broadcast(msg Message) int {
	conns := h.snapshot()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		n  int
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.Send(msg); err != nil {
				return
			}
			mu.Lock()
			n++
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return n
}

// BroadcastText sends a text message to every registered connection.
func (h *Hub) BroadcastText(text string) int {
	return h.Broadcast(NewTextMessage(text))
}

// BroadcastJSON marshals v and sends it as a text message to every
// registered connection.
func (h *Hub) BroadcastJSON(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return h.Broadcast(Message{Type: TextMessage, Data: data}), nil
}

// CloseAll closes the Hub and runs the closing handshake with code and
// reason on every registered connection concurrently. It returns when all
// of them reached StateClosed. Register fails afterwards.
func (h *Hub) CloseAll(code CloseCode, reason string) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	conns := h.snapshot()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			_ = c.Close(code, reason)
		}(c)
	}
	wg.Wait()

	h.mu.Lock()
	clear(h.clients)
	h.mu.Unlock()
}
