// Package events fans session status transitions out to websocket
// subscribers.
package events

import (
	"encoding/json"
	"sync"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.courier/internal/model"
)

const EventSessionStatus = "session.status"

// Envelope is the wire shape of every message pushed to subscribers.
type Envelope struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	h.logger.Debugf("subscriber registered, account=%q", client.accountID)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debugf("subscriber unregistered, account=%q", client.accountID)
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers evt to every subscriber allowed to see it. Slow
// subscribers drop events rather than block the publisher.
func (h *Hub) Publish(evt model.StatusEvent) {
	data, err := json.Marshal(Envelope{Type: "event", Event: EventSessionStatus, Payload: evt})
	if err != nil {
		h.logger.Errorf("marshalling status event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.accountID != "" && client.accountID != evt.AccountID {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warnf("subscriber send buffer full, dropping %s event for %s", EventSessionStatus, evt.SessionID)
		}
	}
}

// Close unregisters every subscriber, which ends their write pumps.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}
