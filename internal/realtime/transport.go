package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/sitelink-core/internal/auth"
)

const (
	// sendBufferSize is the per-client outbound frame buffer.
	sendBufferSize = 256

	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second

	gracefulShutdownTimeout = 10 * time.Second
)

// Handler returns the HTTP handler serving every namespace under cfg.Path.
// GET {path} is the global namespace; GET {path}/mqtt is /mqtt and so on.
func (s *Server) Handler() http.Handler {
	base := "/" + strings.Trim(s.cfg.Path, "/")
	r := chi.NewRouter()
	r.Get(base, s.ServeWS)
	if base == "/" {
		r.Get("/*", s.ServeWS)
	} else {
		r.Get(base+"/*", s.ServeWS)
	}
	return r
}

// ServeWS runs the handshake for one connection and upgrades it. The
// handshake is rejected before the upgrade, so refused clients get a plain
// HTTP status and never reach the registry.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		s.logger.Warn("realtime handshake rate limited", "remote", ip)
		http.Error(w, ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	ns := normalizeNamespace(chi.URLParam(r, "*"))
	identity, err := s.authorize(r.Context(), ns, auth.BearerToken(r))
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrUnknownNamespace) {
			status = http.StatusNotFound
		}
		s.logger.Debug("realtime handshake refused", "namespace", ns, "remote", ip, "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws)
	client, err := s.register(ns, identity, ip, conn)
	if err != nil {
		conn.Close() //nolint:errcheck // Best effort on refused registration
		return
	}

	s.send(client, Frame{
		Type:      FrameConnected,
		ID:        client.ID(),
		Namespace: ns,
		Data:      map[string]string{"tenant_id": identity.TenantID},
	})

	go conn.writePump(s.cfg.PingInterval, s.cfg.PingTimeout)
	go s.readPump(client, conn)
}

// checkOrigin allows any origin when AllowedOrigins is empty or contains "*".
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.ContainsFunc(s.cfg.AllowedOrigins, func(o string) bool {
		return o == "*" || strings.EqualFold(o, origin)
	})
}

// readPump reads client messages until the connection fails, then detaches.
func (s *Server) readPump(c *Client, conn *wsConn) {
	defer func() {
		s.Detach(c)
		conn.Close() //nolint:errcheck // Connection already failing
	}()

	if s.cfg.MaxMessageSize > 0 {
		conn.ws.SetReadLimit(int64(s.cfg.MaxMessageSize))
	}
	wait := s.cfg.PingInterval + s.cfg.PingTimeout
	if wait <= 0 {
		wait = defaultPingInterval + defaultPingTimeout
	}
	//nolint:errcheck // Best-effort deadline on connection setup
	conn.ws.SetReadDeadline(time.Now().Add(wait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "client", c.ID(), "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		conn.ws.SetReadDeadline(time.Now().Add(wait))
		s.HandleMessage(c, message)
	}
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues data unless the connection is closed or the buffer is full.
func (c *wsConn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the write pump and closes the socket. Safe to call repeatedly.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// writePump drains the send buffer and pings every interval.
func (c *wsConn) writePump(interval, timeout time.Duration) {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.Close() //nolint:errcheck // Best effort
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start listens on cfg.Host:cfg.Port in the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: gracefulShutdownTimeout,
	}

	s.wg.Add(1)
	go s.pruneLimiterLoop(srvCtx)

	go func() {
		s.logger.Info("realtime server starting", "address", s.httpServer.Addr, "path", s.cfg.Path)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("realtime server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) pruneLimiterLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.prune()
		}
	}
}

// Close stops accepting connections and closes every client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var clients []*Client
	for _, space := range s.namespaces {
		clients = append(clients, collect(space.clients)...)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		s.logger.Info("realtime server shutting down")
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutting down realtime server: %w", shutdownErr)
		}
	}

	for _, c := range clients {
		s.Detach(c)
		c.conn.Close() //nolint:errcheck // Best effort on shutdown
	}
	s.wg.Wait()
	return err
}
