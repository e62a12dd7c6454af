package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
	"github.com/stegos-labs/node/pkg/node"
)

// Server exposes a running node's driver over REST and WebSocket. It
// never touches chain or role state directly: every request funnels
// through the node.Node handle, preserving the driver's
// single-goroutine-owns-mutation invariant.
type Server struct {
	node   *node.Node
	router *mux.Router
	hub    *hub
	log    *zap.SugaredLogger
}

// NewServer wires a Server to a running node and starts the goroutines
// that fan the node's subscription channels out to WebSocket clients.
func NewServer(n *node.Node, log *zap.SugaredLogger) *Server {
	s := &Server{
		node:   n,
		router: mux.NewRouter(),
		hub:    newHub(log),
		log:    log,
	}
	s.setupRoutes()
	go s.pumpBlockAdded()
	go s.pumpEpochChanged()
	go s.pumpOutputsChanged()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transactions", s.handleSubmitTransaction).Methods("POST")
	v1.HandleFunc("/election", s.handleElectionInfo).Methods("GET")
	v1.HandleFunc("/escrow", s.handleEscrowInfo).Methods("GET")
	v1.HandleFunc("/blocks/pop", s.handlePopBlock).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	raw, err := hex.DecodeString(req.Raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid raw encoding", err.Error())
		return
	}
	hashBytes, err := hex.DecodeString(req.Hash)
	if err != nil || len(hashBytes) != len(crypto.Hash{}) {
		respondError(w, http.StatusBadRequest, "invalid hash", "hash must be a hex-encoded 32-byte digest")
		return
	}
	var hash crypto.Hash
	copy(hash[:], hashBytes)

	tx := chain.Transaction{Hash: hash, Raw: raw, Inputs: req.Inputs, Outputs: req.Outputs}
	s.node.SendTransaction(tx)

	respondJSON(w, SubmitTransactionResponse{Status: "submitted", Hash: hash.String()})
}

func (s *Server) handleElectionInfo(w http.ResponseWriter, r *http.Request) {
	resp := s.node.Request(node.Request{ElectionInfo: &struct{}{}})
	info := resp.ElectionInfo

	validators := make([]ValidatorView, len(info.Validators))
	for i, v := range info.Validators {
		validators[i] = ValidatorView{Key: hex.EncodeToString(v.Key), Stake: v.Stake}
	}
	respondJSON(w, ElectionInfoResponse{Validators: validators, Random: info.Random.String()})
}

func (s *Server) handleEscrowInfo(w http.ResponseWriter, r *http.Request) {
	resp := s.node.Request(node.Request{EscrowInfo: &struct{}{}})
	respondJSON(w, EscrowInfoResponse{TotalSlots: resp.EscrowInfo.TotalSlots})
}

func (s *Server) handlePopBlock(w http.ResponseWriter, r *http.Request) {
	s.node.PopBlock()
	respondJSON(w, map[string]string{"status": "submitted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Subscription pumps
// ==============================

func (s *Server) pumpBlockAdded() {
	for b := range s.node.SubscribeBlockAdded() {
		s.hub.broadcastToChannel("blocks", BlockAddedMessage{
			Type:            "blocks",
			Height:          b.Height,
			Hash:            b.Hash.String(),
			LagNanos:        b.Lag,
			View:            b.View,
			LocalTimestamp:  b.LocalTimestamp,
			RemoteTimestamp: b.RemoteTimestamp,
			Synchronized:    b.Synchronized,
			Epoch:           b.Epoch,
		})
	}
}

func (s *Server) pumpEpochChanged() {
	for e := range s.node.SubscribeEpochChanged() {
		validators := make([]ValidatorView, len(e.Validators))
		for i, v := range e.Validators {
			validators[i] = ValidatorView{Key: hex.EncodeToString(v.Key), Stake: v.Stake}
		}
		s.hub.broadcastToChannel("epochs", EpochChangedMessage{Type: "epochs", Epoch: e.Epoch, Validators: validators})
	}
}

func (s *Server) pumpOutputsChanged() {
	for o := range s.node.SubscribeOutputsChanged() {
		s.hub.broadcastToChannel("outputs", OutputsChangedMessage{
			Type:    "outputs",
			Epoch:   o.Epoch,
			Inputs:  len(o.Inputs),
			Outputs: len(o.Outputs),
		})
	}
}

// ==============================
// Helpers
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}

// ==============================
// WebSocket hub
// ==============================

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub fans out BlockAdded/EpochChanged/OutputsChanged notifications
// (pumped from the node's subscription channels) to every WebSocket
// client subscribed to the corresponding channel name.
type hub struct {
	log *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*wsClient]bool

	register   chan *wsClient
	unregister chan *wsClient
}

func newHub(log *zap.SugaredLogger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

func (h *hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debugw("ws_client_connected", "id", c.id, "total", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debugw("ws_client_disconnected", "id", c.id, "total", len(h.clients))
			}
			h.mu.Unlock()
		}
	}
}

// broadcastToChannel delivers data, JSON-encoded, to every client
// currently subscribed to channel. A client whose send buffer is full
// misses this message rather than stalling the broadcast; it stays
// registered.
func (h *hub) broadcastToChannel(channel string, data interface{}) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Warnw("ws_broadcast_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(channel) {
			continue
		}
		select {
		case c.send <- message:
		default:
		}
	}
}

// wsClient is one upgraded WebSocket connection and its channel
// subscriptions.
type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.RWMutex
	subs   map[string]bool
}

func (c *wsClient) isSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subs[channel]
}

func (c *wsClient) subscribe(channel string) {
	c.subsMu.Lock()
	c.subs[channel] = true
	c.subsMu.Unlock()
}

func (c *wsClient) unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subs, channel)
	c.subsMu.Unlock()
}

// readPump relays subscribe/unsubscribe requests from the client into
// its subscription set until the connection closes.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugw("ws_read_failed", "id", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("ws_invalid_message", "id", c.id, "err", err)
			continue
		}
		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				c.subscribe(ch)
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				c.unsubscribe(ch)
			}
		}
	}
}

// writePump relays broadcast messages to the client, coalescing
// whatever has queued up since the last write, and pings on a fixed
// interval so idle connections don't get reaped by proxies.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			for n := len(c.send); n > 0; n-- {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}
	c := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
		id:   conn.RemoteAddr().String(),
		subs: make(map[string]bool),
	}
	c.hub.register <- c
	go c.writePump()
	go c.readPump()
}
