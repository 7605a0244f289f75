// Package sse streams worker events (imports, finished analyses, reloads)
// to connected clients as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Event types.
const (
	EventConnected       = "connected"
	EventImported        = "prompts_imported"
	EventAnalysisDone    = "analysis_completed"
	EventAnalysisFailed  = "analysis_failed"
	EventConfigReloaded  = "config_reloaded"
	EventDatabaseRestart = "database_reinitialized"
)

// Event is one message sent to every client.
type Event struct {
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
	Type    string    `json:"type"`
	UserID  string    `json:"user_id,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Client represents a connected SSE client.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	mu      sync.Mutex
}

func (c *Client) send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.Writer.Write(message); err != nil {
		return err
	}
	c.Flusher.Flush()
	return nil
}

// Broadcaster manages SSE client connections and message broadcasting.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient registers a client connection.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client_id", client.ID).Int("clients", count).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters a client. Removing the same client twice is safe.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, exists := b.clients[client.ID]
	delete(b.clients, client.ID)
	count := len(b.clients)
	b.mu.Unlock()

	if !exists {
		return
	}
	close(client.Done)
	log.Debug().Str("client_id", client.ID).Int("clients", count).Msg("SSE client disconnected")
}

// Broadcast sends an event to all connected clients. Clients whose write
// fails are dropped.
func (b *Broadcaster) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("Failed to marshal SSE event")
		return
	}
	message := []byte(fmt.Sprintf("data: %s\n\n", data))

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	var dead []*Client
	for _, c := range clients {
		select {
		case <-c.Done:
			continue
		default:
		}
		if err := c.send(message); err != nil {
			log.Debug().Err(err).Str("client_id", c.ID).Msg("Failed to write to SSE client")
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		b.RemoveClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE serves one event stream until the client goes away.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	hello, _ := json.Marshal(Event{Type: EventConnected, Time: time.Now().UTC(), Message: client.ID})
	if err := client.send([]byte(fmt.Sprintf("data: %s\n\n", hello))); err != nil {
		return
	}

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
