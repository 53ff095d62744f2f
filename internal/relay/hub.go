// Package relay fans STOMP frames between connected clients regardless of
// the transport each one arrived on.
package relay

import (
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/pkg/protocol"
	"github.com/omochice/stomp-transport/pkg/transport"
)

// Client represents a connected client with a transport-agnostic connection.
type Client struct {
	ID        string
	Kind      string // "tcp", "ws" or "kcp"
	Transport transport.Transport
	Outgoing  chan *protocol.Frame

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

// NewClient creates a client whose outgoing queue holds queueSize frames.
func NewClient(id, kind string, t transport.Transport, queueSize int) *Client {
	return &Client{
		ID:        id,
		Kind:      kind,
		Transport: t,
		Outgoing:  make(chan *protocol.Frame, queueSize),
		subs:      make(map[string]string),
	}
}

func (c *Client) subscribe(id, destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = destination
}

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

// subscriptions returns the ids subscribed to destination.
func (c *Client) subscriptions(destination string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, d := range c.subs {
		if d == destination {
			ids = append(ids, id)
		}
	}
	return ids
}

// Hub manages all connected clients and routes messages between them.
// Every listener of a server shares a single Hub instance.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
	logger  *zap.Logger
	seq     atomic.Uint64
}

// NewHub creates a new Hub. A nil logger discards output.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers the body and headers of a SEND frame as MESSAGE frames
// to every other client subscribed to its destination. Clients whose queue is
// full miss the message. It returns the number of deliveries.
func (h *Hub) Broadcast(send *protocol.Frame, sender *Client) int {
	destination, _ := send.Get(protocol.HeaderDestination)
	messageID := strconv.FormatUint(h.seq.Add(1), 10)

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients {
		if client == sender {
			continue
		}
		for _, sub := range client.subscriptions(destination) {
			msg := messageFrom(send, sub, messageID)
			select {
			case client.Outgoing <- msg:
				delivered++
			default:
				h.logger.Warn("client queue full, dropping message",
					zap.String("client", client.ID),
					zap.String("destination", destination))
			}
		}
	}
	return delivered
}

// messageFrom turns a SEND frame into the MESSAGE frame a subscriber sees.
func messageFrom(send *protocol.Frame, subscription, messageID string) *protocol.Frame {
	msg := &protocol.Frame{Command: protocol.CommandMessage, Body: send.Body}
	msg.Add("subscription", subscription)
	msg.Add("message-id", messageID)
	for _, hd := range send.Headers {
		if hd.Key == protocol.HeaderReceipt {
			continue
		}
		msg.Add(hd.Key, hd.Value)
	}
	return msg
}
