package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is the union of the completed and failed session events.
type Event struct {
	Topic      string `json:"topic"`
	EventType  string `json:"eventType"`
	SessionID  string `json:"sessionId"`
	Timestamp  int64  `json:"timestamp"`
	Model      string `json:"model"`
	Task       string `json:"task"`
	Language   string `json:"language,omitempty"`
	Text       string `json:"text,omitempty"`
	Segments   int    `json:"segmentCount,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Error      string `json:"error,omitempty"`
	AudioBytes int64  `json:"audioBytes"`
	DurationMs int64  `json:"durationMs"`
	Engine     string `json:"engine"`
}

func decodeEvent(topic string, value []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(value, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.EventType == "" || e.SessionID == "" {
		return Event{}, fmt.Errorf("decode event: missing eventType or sessionId")
	}
	e.Topic = topic
	return e, nil
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for every client.
func (h *Hub) Publish(ctx context.Context, e Event) {
	select {
	case h.broadcast <- e:
	case <-ctx.Done():
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("Client connected. Total: %d", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("Client disconnected. Total: %d", n)

		case event := <-h.broadcast:
			// Failed clients are removed mid-loop, so take the write lock.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteJSON(event); err != nil {
					log.Printf("Write error: %v", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(ctx context.Context, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}
		select {
		case hub.register <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}

		// Read until the client goes away.
		go func() {
			defer func() {
				select {
				case hub.unregister <- conn:
				case <-ctx.Done():
				}
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
