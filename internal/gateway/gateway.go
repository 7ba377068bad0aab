// Package gateway exposes the subscription registry and reconnection
// resolver over HTTP: a websocket endpoint for live subscriptions and a
// JSON endpoint for reconnect resolution.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/statesync/internal/resync"
	"github.com/roach88/statesync/internal/subscribe"
)

// ErrClientGone is returned by Send when the target client is not
// connected or has been dropped for falling behind.
var ErrClientGone = errors.New("gateway: client gone")

const defaultOutboxLimit = 256

type client struct {
	id   string
	conn *websocket.Conn
	out  *outbox
}

// Gateway owns the websocket clients. Its Send method is the dispatcher's
// SendFunc: it enqueues onto the client's outbox, and a per-client writer
// goroutine drains onto the socket so one slow client never delays others.
type Gateway struct {
	registry *subscribe.Registry
	resolver *resync.Resolver
	upgrader websocket.Upgrader
	logger   *slog.Logger

	outboxLimit int

	mu      sync.Mutex
	clients map[string]*client
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithOutboxLimit bounds each client's pending message queue. A client
// that exceeds it is dropped.
func WithOutboxLimit(n int) Option {
	return func(g *Gateway) { g.outboxLimit = n }
}

// New creates a Gateway over the registry and resolver.
func New(registry *subscribe.Registry, resolver *resync.Resolver, opts ...Option) *Gateway {
	g := &Gateway{
		registry:    registry,
		resolver:    resolver,
		logger:      slog.Default(),
		outboxLimit: defaultOutboxLimit,
		clients:     make(map[string]*client),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/resync", g.ServeResync)
	return mux
}

// Send enqueues a message for a connected client. Implements
// subscribe.SendFunc. A full outbox drops the client and reports
// ErrClientGone.
func (g *Gateway) Send(clientID string, msg subscribe.ServerMessage) error {
	g.mu.Lock()
	c, ok := g.clients[clientID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", clientID, ErrClientGone)
	}
	if !c.out.Enqueue(msg) {
		g.logger.Info("client not keeping up, dropping", "client", clientID)
		g.DropClient(clientID)
		return fmt.Errorf("send to %s: %w", clientID, ErrClientGone)
	}
	return nil
}

// DropClient removes the client's subscriptions, closes its outbox, and
// closes the socket. Safe to call more than once.
func (g *Gateway) DropClient(clientID string) {
	g.mu.Lock()
	c, ok := g.clients[clientID]
	delete(g.clients, clientID)
	g.mu.Unlock()
	if !ok {
		return
	}

	g.registry.DropClient(clientID)
	c.out.Close()
	_ = c.conn.Close()
	g.logger.Info("client disconnected", "client", clientID)
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// ServeWS upgrades the connection and runs the client's read loop until
// the socket closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Info("websocket upgrade failed", "error", err)
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		g.logger.Info("client id generation failed", "error", err)
		_ = conn.Close()
		return
	}
	c := &client{id: id.String(), conn: conn, out: newOutbox(g.outboxLimit)}

	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	g.logger.Info("client connected", "client", c.id)

	go g.writeLoop(c)
	g.readLoop(c)
	g.DropClient(c.id)
}

func (g *Gateway) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := subscribe.DecodeClientMessage(data)
		if err != nil {
			g.logger.Info("bad client message", "client", c.id, "error", err)
			continue
		}
		switch m := msg.(type) {
		case subscribe.SubscribeMsg:
			g.registry.Subscribe(c.id, m.SubscriptionID, m.Entity, m.EntityID, subscribe.NewFieldSet(m.Fields...))
		case subscribe.UnsubscribeMsg:
			g.registry.Unsubscribe(c.id, m.SubscriptionID)
		case subscribe.UpdateFieldsMsg:
			g.registry.UpdateFields(c.id, m.SubscriptionID, subscribe.NewFieldSet(m.Fields...))
		}
	}
}

// writeLoop drains the outbox onto the socket. Exits when the outbox is
// closed and drained, or on a write error.
func (g *Gateway) writeLoop(c *client) {
	for {
		for {
			msg, ok := c.out.TryDequeue()
			if !ok {
				break
			}
			data, err := subscribe.EncodeServerMessage(msg)
			if err != nil {
				g.logger.Info("encode failed", "client", c.id, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				g.DropClient(c.id)
				return
			}
		}
		if c.out.Closed() && c.out.Len() == 0 {
			return
		}
		// Closed signal channels wake immediately, so a close during the
		// wait is handled on the next pass.
		<-c.out.Wait()
	}
}

// ServeResync handles POST /resync: a JSON list of reconnect requests in,
// a JSON list of per-subscription results out.
func (g *Gateway) ServeResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var reqs []resync.Request
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	results := g.resolver.Resolve(r.Context(), reqs)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(results); err != nil {
		g.logger.Info("resync response write failed", "error", err)
	}
}
