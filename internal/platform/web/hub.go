package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/goxec/internal/domain"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsClient serializes writes to one connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Hub forwards job events to the websocket clients watching each job.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	logger  *slog.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*wsClient]struct{}),
		logger:  slog.Default(),
	}
}

func (h *Hub) register(jobID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*wsClient]struct{})
	}
	h.clients[jobID][c] = struct{}{}
}

func (h *Hub) unregister(jobID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[jobID], c)
	if len(h.clients[jobID]) == 0 {
		delete(h.clients, jobID)
	}
}

// Watching returns the number of clients subscribed to jobID.
func (h *Hub) Watching(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Run listens to the feed and forwards every event to the clients of its job.
// It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context, feed domain.StatusFeed) error {
	h.logger.Info("Starting event broadcaster...")

	events, err := feed.Subscribe(ctx)
	if err != nil {
		return err
	}

	for event := range events {
		h.dispatch(event)
	}
	return nil
}

func (h *Hub) dispatch(event domain.JobEvent) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients[event.JobID]))
	for c := range h.clients[event.JobID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(event); err != nil {
			h.logger.Warn("Failed to write to websocket", "jobID", event.JobID, "error", err)
			h.unregister(event.JobID, c)
			_ = c.conn.Close()
		}
	}
}
