package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
)

// Streamer fans engine events out to websocket clients. Every event
// published on the bus (state changes, disputes, trust updates, stops)
// is pushed to all connected clients as JSON.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *events.Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewStreamer subscribes to the bus. Events arriving before Run() is
// called queue in the broadcast channel.
func NewStreamer(bus *events.Bus) *Streamer {
	s := &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *events.Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the edge gateway enforces origins
			},
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
	bus.Subscribe("websocket-streamer", func(e *events.Event) {
		select {
		case s.broadcast <- e:
		default:
			// never block the bus on a slow websocket fan-out
		}
	})
	return s
}

// Run starts the hub loop.
func (s *Streamer) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("📡 client connected (total: %d)", total)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("📡 client disconnected (total: %d)", total)

		case event := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				if err := client.WriteJSON(event); err != nil {
					s.logger.Printf("write error: %v", err)
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the connection and registers the client.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade error: %v", err)
		return
	}

	s.register <- conn

	// Drain client frames until the peer hangs up.
	go func() {
		defer func() {
			s.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Statistics reports hub load.
func (s *Streamer) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}
