// Package gateway is a minimal JSON-over-websocket push of Event Bus
// events to connected dashboards (spec.md §1 "webhook servers"). Unlike a
// full control-plane API, it is read-only and fan-out only: a client
// connects, authenticates once, and receives every subsequent bus.Event as
// a JSON line until it disconnects. There is no request/response RPC
// surface here.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-claw/internal/bus"
)

// Config wires a Server to the Event Bus and its access controls.
type Config struct {
	Bus *bus.Bus

	// AuthToken is the bearer token every connection must present.
	// Empty disables the gateway's auth check entirely only when Open is true.
	AuthToken string

	// AllowOrigins is the websocket origin allowlist (empty means
	// same-origin only, matching coder/websocket's default).
	AllowOrigins []string

	Logger *slog.Logger
}

// Server accepts websocket connections and broadcasts bus events to all of
// them. It has no authority over the bus or any other part of the system.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// New builds a Server. logger may be nil (defaults applied).
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, clients: make(map[*client]struct{})}
}

// Handler returns the http.Handler to mount at the gateway's websocket path.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Run subscribes to every bus event and broadcasts it to connected clients
// until ctx is cancelled. Call once, typically from a daemon's main loop.
func (s *Server) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	sub := s.cfg.Bus.Subscribe("")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.cfg.Bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				s.broadcast(ev)
			}
		}
	}()
}

// Stop halts the broadcast loop. It does not close existing connections;
// callers shutting down the HTTP server will close them.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("gateway: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The gateway only pushes; it still must read so a client disconnect
	// (or a protocol-level close frame) is observed promptly.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) broadcast(ev bus.Event) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	ctx := context.Background()
	for c := range s.clients {
		if err := c.write(ctx, ev); err != nil {
			s.cfg.Logger.Warn("gateway: broadcast write failed", "error", err)
		}
	}
}
