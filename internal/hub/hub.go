// Package hub fans call board updates out to connected display sessions.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"qms/patient-queue/internal/models"

	"github.com/rs/zerolog"
)

const TypeCallsUpdated = "calls.updated"

type Subscription struct {
	ServicePoint models.ServicePoint
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action       string `json:"action"`
	ServicePoint string `json:"service_point"`
}

// Envelope is the wire format for pushed messages, locally and over Redis.
type Envelope struct {
	Type         string              `json:"type"`
	ServicePoint models.ServicePoint `json:"service_point"`
	Payload      json.RawMessage     `json:"payload"`
	CreatedAt    time.Time           `json:"created_at"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to clients subscribed to sp. Slow clients drop
// the message rather than block the sender; the next refresh catches them up.
func (h *Hub) Broadcast(payload []byte, sp models.ServicePoint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if !match(client.Subscription, sp) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("service_point", string(sp)).Msg("drop message")
		}
	}
	return delivered
}

// Subscriptions without a service point receive nothing.
func match(sub Subscription, sp models.ServicePoint) bool {
	return sub.ServicePoint != "" && sub.ServicePoint == sp
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	switch msg.Action {
	case "subscribe":
		if _, ok := models.ParseServicePoint(msg.ServicePoint); !ok {
			return SubscribeMessage{}, false
		}
	case "unsubscribe":
	default:
		return SubscribeMessage{}, false
	}
	return msg, true
}

func Encode(board models.CallBoard) ([]byte, error) {
	payload, err := json.Marshal(board)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:         TypeCallsUpdated,
		ServicePoint: board.ServicePoint,
		Payload:      payload,
		CreatedAt:    board.GeneratedAt,
	})
}
