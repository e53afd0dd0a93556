// Package ws exposes the document store to remote clients over a
// WebSocket: live query subscriptions stream snapshots down, writes and
// one-shot reads come up as request/ack pairs.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"log/slog"

	"chatgram/internal/docstore"
	"chatgram/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

const sendBuffer = 128

// Envelope is the server-to-client frame. Type is one of watch.snapshot,
// doc, ack or error.
type Envelope struct {
	Type    string             `json:"type"`
	ReqID   string             `json:"reqId,omitempty"`
	WatchID string             `json:"watchId,omitempty"`
	Docs    []DocumentEnvelope `json:"docs,omitempty"`
	Doc     *DocumentEnvelope  `json:"doc,omitempty"`
	ID      string             `json:"id,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// DocumentEnvelope is the wire form of one document.
type DocumentEnvelope struct {
	Collection   string         `json:"collection"`
	ID           string         `json:"id"`
	Fields       map[string]any `json:"fields"`
	ServerTimeMs int64          `json:"serverTimeMs"`
}

type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID string, err error)
}

type client struct {
	conn      *websocket.Conn
	userID    string
	send      chan []byte
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	watches map[string]*docstore.Subscription
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		watches := c.watches
		c.watches = nil
		c.mu.Unlock()
		for _, sub := range watches {
			sub.Cancel()
		}

		close(c.send)
		_ = c.conn.Close()
	})
}

type Gateway struct {
	logger         *slog.Logger
	tokenValidator TokenValidator
	store          *docstore.Store

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewGateway(logger *slog.Logger, tokenValidator TokenValidator, store *docstore.Store) *Gateway {
	return &Gateway{
		logger:         logger.With("component", "ws"),
		tokenValidator: tokenValidator,
		store:          store,
		clients:        make(map[*client]struct{}),
	}
}

func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.handle)
}

func (g *Gateway) CloseAll() {
	clients := g.snapshotClients()
	for _, c := range clients {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown"),
			time.Now().Add(writeWait),
		)
		g.untrack(c)
		c.close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := extractToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	userID, err := g.tokenValidator.ValidateToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, sendBuffer),
		watches: make(map[string]*docstore.Subscription),
	}
	g.track(c)
	defer g.untrack(c)
	defer c.close()

	g.logger.Info("ws connected", "remoteAddr", r.RemoteAddr, "userID", userID)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go g.writePump(c, r.RemoteAddr)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.logger.Info("ws disconnected", "remoteAddr", r.RemoteAddr, "userID", userID, "error", err)
			return
		}
		g.handleClientMessage(c, msg)
	}
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}

func (g *Gateway) writePump(c *client, remoteAddr string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				g.logger.Info("ws write failed", "remoteAddr", remoteAddr, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (g *Gateway) snapshotClients() []*client {
	g.mu.Lock()
	defer g.mu.Unlock()

	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	return clients
}

func (g *Gateway) track(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c] = struct{}{}
	metrics.WSClients.Inc()
}

func (g *Gateway) untrack(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		metrics.WSClients.Dec()
	}
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

type filterSpec struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

type clientMessage struct {
	Type       string         `json:"type"`
	ReqID      string         `json:"reqId,omitempty"`
	WatchID    string         `json:"watchId,omitempty"`
	Collection string         `json:"collection,omitempty"`
	Path       string         `json:"path,omitempty"`
	Filters    []filterSpec   `json:"filters,omitempty"`
	OrderBy    string         `json:"orderBy,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Merge      bool           `json:"merge,omitempty"`
}

func (g *Gateway) handleClientMessage(c *client, msg []byte) {
	var cm clientMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		g.deliver(c, Envelope{Type: "error", Error: "malformed frame"})
		return
	}

	switch cm.Type {
	case "watch.subscribe":
		g.handleSubscribe(c, cm)
	case "watch.cancel":
		g.handleUnsubscribe(c, cm)
	case "doc.get":
		g.handleGet(c, cm)
	case "doc.set", "doc.add", "doc.update", "doc.delete":
		g.handleWrite(c, cm)
	default:
		g.deliver(c, Envelope{Type: "error", ReqID: cm.ReqID, Error: "unknown message type"})
	}
}

func (g *Gateway) handleSubscribe(c *client, cm clientMessage) {
	if cm.WatchID == "" || cm.Collection == "" {
		g.deliver(c, Envelope{Type: "error", ReqID: cm.ReqID, Error: "watchId and collection are required"})
		return
	}

	q := docstore.Query{Collection: cm.Collection, OrderBy: cm.OrderBy}
	for _, f := range cm.Filters {
		q.Filters = append(q.Filters, docstore.Where(f.Field, f.Value))
	}

	watchID := cm.WatchID
	sub, err := g.store.Subscribe(
		q,
		func(docs []docstore.Document) {
			g.deliver(c, Envelope{Type: "watch.snapshot", WatchID: watchID, Docs: wireDocs(docs)})
		},
		func(err error) {
			g.deliver(c, Envelope{Type: "error", WatchID: watchID, Error: err.Error()})
		},
	)
	if err != nil {
		g.deliver(c, Envelope{Type: "error", ReqID: cm.ReqID, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if c.watches == nil {
		// Connection torn down while we were subscribing.
		c.mu.Unlock()
		sub.Cancel()
		return
	}
	if prev, ok := c.watches[watchID]; ok {
		prev.Cancel()
	}
	c.watches[watchID] = sub
	c.mu.Unlock()

	g.deliver(c, Envelope{Type: "ack", ReqID: cm.ReqID, WatchID: watchID})
}

func (g *Gateway) handleUnsubscribe(c *client, cm clientMessage) {
	c.mu.Lock()
	sub, ok := c.watches[cm.WatchID]
	if ok {
		delete(c.watches, cm.WatchID)
	}
	c.mu.Unlock()

	if ok {
		sub.Cancel()
	}
	g.deliver(c, Envelope{Type: "ack", ReqID: cm.ReqID, WatchID: cm.WatchID})
}

func (g *Gateway) handleGet(c *client, cm clientMessage) {
	doc, err := g.store.Get(context.Background(), cm.Path)
	if err != nil {
		status := "error"
		if errors.Is(err, docstore.ErrNotFound) {
			status = "not found"
		}
		g.deliver(c, Envelope{Type: "error", ReqID: cm.ReqID, Error: status})
		return
	}
	wire := wireDoc(doc)
	g.deliver(c, Envelope{Type: "doc", ReqID: cm.ReqID, Doc: &wire})
}

func (g *Gateway) handleWrite(c *client, cm clientMessage) {
	if !writeAllowed(c.userID, cm) {
		g.deliver(c, Envelope{Type: "error", ReqID: cm.ReqID, Error: "forbidden"})
		return
	}

	ctx := context.Background()
	var id string
	var err error
	switch cm.Type {
	case "doc.set":
		err = g.store.Set(ctx, cm.Path, cm.Fields, cm.Merge)
	case "doc.add":
		id, err = g.store.Add(ctx, cm.Collection, cm.Fields)
	case "doc.update":
		err = g.store.Update(ctx, cm.Path, cm.Fields)
	case "doc.delete":
		err = g.store.Delete(ctx, cm.Path)
	}
	if err != nil {
		g.deliver(c, Envelope{Type: "error", ReqID: cm.ReqID, Error: err.Error()})
		return
	}
	g.deliver(c, Envelope{Type: "ack", ReqID: cm.ReqID, ID: id})
}

// writeAllowed enforces per-user ownership on the collections where a
// document names its author: presence records, typing signals and outgoing
// messages must carry the authenticated identity.
func writeAllowed(userID string, cm clientMessage) bool {
	collection := cm.Collection
	docID := ""
	if cm.Path != "" {
		var err error
		collection, docID, err = docstore.SplitPath(cm.Path)
		if err != nil {
			return false
		}
	}

	switch collection {
	case "users":
		return docID == userID
	case "typing":
		if cm.Type == "doc.delete" {
			return strings.HasPrefix(docID, userID+"_")
		}
		from, _ := cm.Fields["from"].(string)
		return from == userID && strings.HasPrefix(docID, userID+"_")
	case "messages":
		if cm.Type == "doc.add" {
			from, _ := cm.Fields["from"].(string)
			return from == userID
		}
		return true
	case "credentials", "authTokens":
		return false
	default:
		return true
	}
}

// deliver enqueues one frame; a client that cannot keep up is dropped, the
// reconnect resubscribes and gets fresh full snapshots.
func (g *Gateway) deliver(c *client, env Envelope) {
	b, err := encodeJSON(env)
	if err != nil {
		g.logger.Error("ws marshal failed", "error", err, "type", env.Type)
		return
	}

	// The send races subscription callbacks against close; the flag keeps
	// a late snapshot off a closed channel.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	slow := false
	select {
	case c.send <- b:
	default:
		slow = true
	}
	c.mu.Unlock()

	if slow {
		g.logger.Warn("ws slow client dropped", "userID", c.userID)
		g.untrack(c)
		c.close()
	}
}

func wireDoc(doc docstore.Document) DocumentEnvelope {
	return DocumentEnvelope{
		Collection:   doc.Collection,
		ID:           doc.ID,
		Fields:       doc.Fields,
		ServerTimeMs: doc.ServerTimeMs,
	}
}

func wireDocs(docs []docstore.Document) []DocumentEnvelope {
	out := make([]DocumentEnvelope, 0, len(docs))
	for _, doc := range docs {
		out = append(out, wireDoc(doc))
	}
	return out
}
