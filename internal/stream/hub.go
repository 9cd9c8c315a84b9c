package stream

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"arrival-agent/internal/session"
)

// redisChannel mirrors every state change so co-located processes (a debug
// console, a metrics shipper) can follow along without a websocket.
const redisChannel = "arrival:state:broadcast"

// Hub fans state changes out to websocket subscribers. The agent serves a
// single driver, so there is one feed rather than per-topic rooms.
type Hub struct {
	redis   *redis.Client
	mu      sync.RWMutex
	clients map[*Client]struct{}
	last    []byte
}

type Client struct {
	Send chan []byte
}

// NewHub builds a hub. The redis client is optional; when present every
// broadcast is mirrored to the arrival:state:broadcast channel. The engine
// is the only producer, so the hub publishes and never subscribes:
// re-reading its own channel would hand subscribers duplicates.
func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		redis:   redisClient,
		clients: map[*Client]struct{}{},
	}
}

// Register adds a subscriber. A late joiner immediately receives the most
// recent state change so the UI never renders from nothing.
func (h *Hub) Register() *Client {
	client := &Client{Send: make(chan []byte, 64)}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	if h.last != nil {
		client.Send <- h.last
	}
	return client
}

// ClientCount reports the number of live subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
	}
}

func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	h.last = payload
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		select {
		case client.Send <- payload:
		default:
		}
	}

	if h.redis != nil {
		err := h.redis.Publish(context.Background(), redisChannel, payload).Err()
		if err != nil {
			log.Printf("redis publish error: %v", err)
		}
	}
}

// StateChanged implements the engine's notifier: every transition is
// serialized once and broadcast to all subscribers.
func (h *Hub) StateChanged(change session.StateChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		log.Printf("state change marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
