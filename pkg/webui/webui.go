// Package webui provides the Observer the network loop reports status
// through, plus a reference HTTP/WebSocket server implementing it: the
// Go stand-in for the original's interactive console UI (spec.md scopes
// the terminal UI itself out, keeping only the observer contract).
package webui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fluggageheimen/p2ptest/pkg/host"
	"github.com/fluggageheimen/p2ptest/pkg/pool"
	"github.com/fluggageheimen/p2ptest/pkg/stun"
)

// Observer is the external collaborator the network loop reports every
// status change through.
type Observer interface {
	SetNatInfo(result stun.Result)
	SetServerStatus(status host.PeerStatus)
	SetClient(id pool.Handle, nickname string, status host.PeerStatus)
	AskUserConfig() // no-op placeholder: interactive config editing is out of scope
	OnFatalError(format string, args ...interface{})
}

// EventType labels a StatusEvent pushed over the WebSocket feed.
type EventType string

const (
	EventNatInfo      EventType = "nat_info"
	EventServerStatus EventType = "server_status"
	EventClient       EventType = "client"
	EventFatalError   EventType = "fatal_error"
)

// StatusEvent is the JSON payload pushed to every connected WebSocket
// client, mirroring the teacher's Event/WebSocketMessage shape.
type StatusEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ClientStatus is the JSON shape of one tracked peer in /api/status.
type ClientStatus struct {
	Index    uint32 `json:"index"`
	Nonce    uint32 `json:"nonce"`
	Nickname string `json:"nickname"`
	Status   string `json:"status"`
}

// snapshot is the current state served by GET /api/status.
type snapshot struct {
	NatInfo      stun.Result    `json:"nat_info"`
	ServerStatus string         `json:"server_status"`
	Clients      []ClientStatus `json:"clients"`
	LastError    string         `json:"last_error,omitempty"`
}

// Server is the reference Observer implementation: it records the latest
// state and fans every change out to connected WebSocket clients.
type Server struct {
	mu      sync.RWMutex
	natInfo stun.Result
	status  host.PeerStatus
	clients map[pool.Handle]ClientStatus
	lastErr string

	jwtSecret []byte // nil disables the bearer-token gate

	wsMu      sync.Mutex
	wsClients map[*wsClient]bool

	router     *mux.Router
	httpServer *http.Server
}

type wsClient struct {
	conn *websocket.Conn
	send chan StatusEvent
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer builds a Server. jwtSecret may be nil/empty to leave both
// routes open to anyone who can reach the listen address.
func NewServer(jwtSecret []byte) *Server {
	s := &Server{
		clients:   make(map[pool.Handle]ClientStatus),
		jwtSecret: jwtSecret,
		wsClients: make(map[*wsClient]bool),
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/api/status", s.authGate(s.handleStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.authGate(s.handleWebSocket)).Methods(http.MethodGet)
	return s
}

// Serve starts the HTTP server on addr. Blocks until the server stops;
// call in its own goroutine.
func (s *Server) Serve(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down the HTTP server.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) authGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		}); err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap := snapshot{
		NatInfo:      s.natInfo,
		ServerStatus: s.status.String(),
		Clients:      make([]ClientStatus, 0, len(s.clients)),
		LastError:    s.lastErr,
	}
	for _, c := range s.clients {
		snap.Clients = append(snap.Clients, c)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, send: make(chan StatusEvent, 64)}

	s.wsMu.Lock()
	s.wsClients[client] = true
	s.wsMu.Unlock()

	go client.writePump()
	go s.readPump(client)
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, c)
		s.wsMu.Unlock()
		close(c.send)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(event StatusEvent) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for c := range s.wsClients {
		select {
		case c.send <- event:
		default:
		}
	}
}

// --- Observer implementation ------------------------------------------------

func (s *Server) SetNatInfo(result stun.Result) {
	s.mu.Lock()
	s.natInfo = result
	s.mu.Unlock()
	s.broadcast(StatusEvent{Type: EventNatInfo, Timestamp: time.Now(), Data: result})
}

func (s *Server) SetServerStatus(status host.PeerStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.broadcast(StatusEvent{Type: EventServerStatus, Timestamp: time.Now(), Data: status.String()})
}

func (s *Server) SetClient(id pool.Handle, nickname string, status host.PeerStatus) {
	c := ClientStatus{Index: id.Index, Nonce: id.Nonce, Nickname: nickname, Status: status.String()}
	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()
	s.broadcast(StatusEvent{Type: EventClient, Timestamp: time.Now(), Data: c})
}

// AskUserConfig is a no-op: interactive config editing belongs to the
// terminal UI spec.md places out of scope.
func (s *Server) AskUserConfig() {}

func (s *Server) OnFatalError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	s.broadcast(StatusEvent{Type: EventFatalError, Timestamp: time.Now(), Data: msg})
}
