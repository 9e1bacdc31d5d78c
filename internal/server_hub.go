package internal

import (
	"context"

	"github.com/rs/zerolog"
)

// delivery is one outbound frame. only and except narrow the audience.
type delivery struct {
	payload []byte
	only    *Client
	except  *Client
}

// Hub owns the set of connected clients and performs every delivery from a
// single goroutine, so each client sees frames in the order they were queued.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	done       chan struct{}
	stopped    chan struct{}
	log        zerolog.Logger
}

// builds an empty hub; call Run to start it.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan delivery, 256),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		log:        log,
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (hub *Hub) Run(ctx context.Context) {
	defer close(hub.stopped)
	for {
		select {
		case <-ctx.Done():
			close(hub.done)
			for client := range hub.clients {
				delete(hub.clients, client)
				close(client.send)
			}
			return
		case client := <-hub.register:
			hub.clients[client] = struct{}{}
		case client := <-hub.unregister:
			if _, exists := hub.clients[client]; exists {
				delete(hub.clients, client)
				close(client.send)
			}
		case d := <-hub.deliver:
			hub.fanOut(d)
		}
	}
}

func (hub *Hub) fanOut(d delivery) {
	if d.only != nil {
		if _, exists := hub.clients[d.only]; exists {
			hub.push(d.only, d.payload)
		}
		return
	}
	for client := range hub.clients {
		// inert connections never bound a username and receive nothing.
		if client == d.except || client.username == "" {
			continue
		}
		hub.push(client, d.payload)
	}
}

func (hub *Hub) push(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		// this client is too slow to read; we drop the connection to avoid backpressure on everyone else.
		hub.log.Warn().Str("username", client.username).Msg("send buffer full, dropping connection")
		close(client.send)
		delete(hub.clients, client)
	}
}

// Stopped is closed once Run has returned.
func (hub *Hub) Stopped() <-chan struct{} {
	return hub.stopped
}

func (hub *Hub) join(client *Client) bool {
	select {
	case hub.register <- client:
		return true
	case <-hub.done:
		return false
	}
}

func (hub *Hub) leave(client *Client) {
	select {
	case hub.unregister <- client:
	case <-hub.done:
	}
}

func (hub *Hub) enqueue(d delivery) {
	select {
	case hub.deliver <- d:
	case <-hub.done:
	}
}

func (hub *Hub) broadcast(payload []byte) {
	hub.enqueue(delivery{payload: payload})
}

func (hub *Hub) broadcastExcept(sender *Client, payload []byte) {
	hub.enqueue(delivery{payload: payload, except: sender})
}

func (hub *Hub) sendTo(client *Client, payload []byte) {
	hub.enqueue(delivery{payload: payload, only: client})
}
