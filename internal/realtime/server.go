package realtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/sitelink-core/internal/auth"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/logging"
)

// limiterIdle is how long an idle per-IP limiter is kept.
const limiterIdle = 10 * time.Minute

// Authenticator verifies a bearer token presented on a tenant-scoped
// namespace. auth.TokenAuthenticator implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// AttachRequest describes a connection asking to be established.
type AttachRequest struct {
	Namespace  string
	Token      string
	RemoteAddr string
}

// namespace holds the clients and rooms of one namespace.
type namespace struct {
	name    string
	clients map[string]*Client
	rooms   map[roomKey]map[string]*Client
}

// Server is the real-time transport. It keeps the registry of namespaces,
// rooms and tenant buckets and addresses broadcasts over it.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Frames are encoded and sent outside the registry lock.
type Server struct {
	cfg     config.RealtimeConfig
	authn   Authenticator
	logger  *logging.Logger
	limiter *ipLimiter

	mu         sync.RWMutex
	namespaces map[string]*namespace
	tenants    map[string]map[string]*Client
	total      uint64
	closed     bool

	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Server. authn may be nil, in which case every tenant-scoped
// handshake fails.
func New(cfg config.RealtimeConfig, authn Authenticator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:        cfg,
		authn:      authn,
		logger:     logger.With("component", "realtime"),
		limiter:    newIPLimiter(cfg.ConnectRate, cfg.ConnectBurst, limiterIdle),
		namespaces: make(map[string]*namespace, len(Namespaces)),
		tenants:    make(map[string]map[string]*Client),
	}
	for _, name := range Namespaces {
		s.namespaces[name] = &namespace{
			name:    name,
			clients: make(map[string]*Client),
			rooms:   make(map[roomKey]map[string]*Client),
		}
	}
	return s
}

// Attach authenticates req when its namespace requires it and registers conn.
// A failed handshake leaves no trace in the registry or the counters.
func (s *Server) Attach(ctx context.Context, req AttachRequest, conn Conn) (*Client, error) {
	ns := normalizeNamespace(req.Namespace)
	identity, err := s.authorize(ctx, ns, req.Token)
	if err != nil {
		return nil, err
	}
	return s.register(ns, identity, req.RemoteAddr, conn)
}

// authorize runs the handshake for ns without touching the registry.
func (s *Server) authorize(ctx context.Context, ns, token string) (auth.Identity, error) {
	if _, ok := s.namespaces[ns]; !ok {
		return auth.Identity{}, fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
	}
	if !tenantScoped(ns) {
		return auth.Identity{}, nil
	}

	if token == "" {
		return auth.Identity{}, ErrAuthenticationRequired
	}
	if s.authn == nil {
		return auth.Identity{}, fmt.Errorf("%w: no authenticator configured", ErrAuthenticationFailed)
	}

	id, err := s.authn.Authenticate(ctx, token)
	switch {
	case errors.Is(err, auth.ErrTokenMissing):
		return auth.Identity{}, ErrAuthenticationRequired
	case errors.Is(err, auth.ErrMissingSubject), errors.Is(err, auth.ErrMissingTenant):
		return auth.Identity{}, fmt.Errorf("%w: %w", ErrInvalidUser, err)
	case err != nil:
		return auth.Identity{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	if id.Subject == "" || id.TenantID == "" {
		return auth.Identity{}, ErrInvalidUser
	}
	if id.Role != "" && !auth.HasPermission(id.Role, auth.PermRealtimeConnect) {
		return auth.Identity{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, auth.ErrForbidden)
	}
	return id, nil
}

// register adds an authorised connection. Tenant connections go into their
// tenant bucket and the tenant room.
func (s *Server) register(ns string, identity auth.Identity, remoteAddr string, conn Conn) (*Client, error) {
	c := &Client{
		id:          uuid.NewString(),
		namespace:   ns,
		identity:    identity,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now().UTC(),
		conn:        conn,
		rooms:       make(map[roomKey]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	space := s.namespaces[ns]
	space.clients[c.id] = c
	if identity.TenantID != "" {
		bucket := s.tenants[identity.TenantID]
		if bucket == nil {
			bucket = make(map[string]*Client)
			s.tenants[identity.TenantID] = bucket
		}
		bucket[c.id] = c
		s.joinLocked(space, c, roomKey{tenant: identity.TenantID, name: TenantRoom(identity.TenantID)})
	}
	s.total++
	live := s.liveLocked()
	s.mu.Unlock()

	s.logger.Debug("realtime client connected",
		"client", c.id,
		"namespace", ns,
		"tenant", identity.TenantID,
		"clients", live,
	)
	return c, nil
}

// Detach removes c from every room, its namespace and its tenant bucket.
// Emptied rooms and buckets are removed. Calling it twice is a no-op.
func (s *Server) Detach(c *Client) {
	s.mu.Lock()
	space := s.namespaces[c.namespace]
	if _, ok := space.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	for key := range c.rooms {
		s.leaveLocked(space, c, key)
	}
	delete(space.clients, c.id)
	if tid := c.identity.TenantID; tid != "" {
		if bucket := s.tenants[tid]; bucket != nil {
			delete(bucket, c.id)
			if len(bucket) == 0 {
				delete(s.tenants, tid)
			}
		}
	}
	live := s.liveLocked()
	s.mu.Unlock()

	s.logger.Debug("realtime client disconnected", "client", c.id, "namespace", c.namespace, "clients", live)
}

// Join adds c to room and returns the room name. Inside /tenant the room
// belongs to the client's tenant; two tenants joining the same name get two
// rooms.
func (s *Server) Join(c *Client, room string) (string, error) {
	key, err := s.clientRoom(c, room)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	space := s.namespaces[c.namespace]
	if space.clients[c.id] != c {
		return "", ErrNotAttached
	}
	s.joinLocked(space, c, key)
	return key.name, nil
}

// Leave removes c from room. Leaving a room the client is not in is a no-op.
func (s *Server) Leave(c *Client, room string) (string, error) {
	key, err := s.clientRoom(c, room)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	space := s.namespaces[c.namespace]
	if space.clients[c.id] != c {
		return "", ErrNotAttached
	}
	s.leaveLocked(space, c, key)
	return key.name, nil
}

// clientRoom validates a room name sent by c and keys it. The tenant part of
// the key is taken from c's identity, never from the name.
func (s *Server) clientRoom(c *Client, room string) (roomKey, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return roomKey{}, ErrInvalidRoom
	}
	if !tenantScoped(c.namespace) {
		return roomKey{name: room}, nil
	}
	if strings.HasPrefix(room, tenantRoomPrefix) {
		return roomKey{}, fmt.Errorf("%w: %q is reserved", ErrInvalidRoom, room)
	}
	return roomKey{tenant: c.identity.TenantID, name: room}, nil
}

func (s *Server) joinLocked(space *namespace, c *Client, key roomKey) {
	members := space.rooms[key]
	if members == nil {
		members = make(map[string]*Client)
		space.rooms[key] = members
	}
	members[c.id] = c
	c.rooms[key] = struct{}{}
}

func (s *Server) leaveLocked(space *namespace, c *Client, key roomKey) {
	delete(c.rooms, key)
	members := space.rooms[key]
	if members == nil {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(space.rooms, key)
	}
}

func (s *Server) liveLocked() int {
	n := 0
	for _, space := range s.namespaces {
		n += len(space.clients)
	}
	return n
}

// =============================================================================
// Broadcast
// =============================================================================

// Broadcast sends event to the clients addressed by target and returns how
// many accepted the frame.
//
//   - Namespace and Room: members of that room in that namespace.
//   - Namespace only: every client of the namespace.
//   - Room only: members of a room with that name in any namespace.
//   - Neither: every client.
//
// Tenant-scoped namespaces are skipped by room-only and global broadcasts and
// cannot be addressed directly; use BroadcastToTenant or BroadcastToTenantRoom.
func (s *Server) Broadcast(event string, data any, target Target) (int, error) {
	return s.broadcast(event, data, address{target: target})
}

// BroadcastToTenant sends event to every connection of tenantID.
func (s *Server) BroadcastToTenant(tenantID, event string, data any) (int, error) {
	if tenantID == "" {
		return 0, ErrInvalidTenant
	}
	return s.broadcast(event, data, address{
		target: Target{Namespace: NamespaceTenant},
		tenant: tenantID,
	})
}

// BroadcastToTenantRoom sends event to the members of room inside /tenant for
// tenantID.
func (s *Server) BroadcastToTenantRoom(tenantID, room, event string, data any) (int, error) {
	if tenantID == "" {
		return 0, ErrInvalidTenant
	}
	if room == "" {
		return 0, ErrInvalidRoom
	}
	return s.broadcast(event, data, address{
		target: Target{Namespace: NamespaceTenant, Room: room},
		tenant: tenantID,
	})
}

// address is a resolved broadcast destination. tenant is set only by the
// tenant broadcasts, which take it from server-side data.
type address struct {
	target Target
	tenant string
}

func (s *Server) broadcast(event string, data any, addr address) (int, error) {
	var ns string
	if addr.target.Namespace != "" {
		ns = normalizeNamespace(addr.target.Namespace)
	}

	s.mu.RLock()
	recipients, err := s.resolveLocked(ns, addr.target.Room, addr.tenant)
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	return s.deliver(recipients, Frame{
		Type:      FrameEvent,
		Event:     event,
		Namespace: ns,
		Room:      addr.target.Room,
		Data:      data,
	})
}

// resolveLocked lists the recipients of one address. Caller holds the read
// lock.
func (s *Server) resolveLocked(ns, room, tenant string) ([]*Client, error) {
	if ns != "" {
		space, ok := s.namespaces[ns]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
		}
		if tenantScoped(ns) != (tenant != "") {
			return nil, ErrTenantScopedTarget
		}
		switch {
		case tenant != "" && room == "":
			return collect(s.tenants[tenant]), nil
		case room != "":
			return collect(space.rooms[roomKey{tenant: tenant, name: room}]), nil
		default:
			return collect(space.clients), nil
		}
	}

	if tenant != "" {
		return nil, ErrTenantScopedTarget
	}
	var recipients []*Client
	for _, space := range s.namespaces {
		if tenantScoped(space.name) {
			continue
		}
		if room != "" {
			recipients = append(recipients, collect(space.rooms[roomKey{name: room}])...)
		} else {
			recipients = append(recipients, collect(space.clients)...)
		}
	}
	return recipients, nil
}

func collect(m map[string]*Client) []*Client {
	return slices.Collect(maps.Values(m))
}

// deliver encodes f once and offers it to every recipient.
func (s *Server) deliver(recipients []*Client, f Frame) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	data, err := encodeFrame(f)
	if err != nil {
		return 0, fmt.Errorf("encoding %s frame: %w", f.Event, err)
	}

	sent := 0
	for _, c := range recipients {
		if c.conn.Send(data) {
			sent++
		}
	}
	if sent < len(recipients) {
		s.logger.Debug("broadcast frames dropped", "event", f.Event, "dropped", len(recipients)-sent)
	}
	return sent, nil
}

// send writes a frame to one client. Encoding failures are logged.
func (s *Server) send(c *Client, f Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		s.logger.Error("encoding frame failed", "type", f.Type, "error", err)
		return
	}
	c.conn.Send(data)
}

// =============================================================================
// Client messages
// =============================================================================

// HandleMessage processes one message from c and replies on c.
func (s *Server) HandleMessage(c *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.send(c, Frame{Type: FrameError, Error: "invalid JSON message"})
		return
	}

	switch msg.Type {
	case MsgJoinRoom:
		room, err := s.Join(c, msg.Room)
		if err != nil {
			s.send(c, Frame{Type: FrameError, ID: msg.ID, Error: err.Error()})
			return
		}
		s.send(c, Frame{Type: FrameJoined, ID: msg.ID, Namespace: c.namespace, Room: room})
	case MsgLeaveRoom:
		room, err := s.Leave(c, msg.Room)
		if err != nil {
			s.send(c, Frame{Type: FrameError, ID: msg.ID, Error: err.Error()})
			return
		}
		s.send(c, Frame{Type: FrameLeft, ID: msg.ID, Namespace: c.namespace, Room: room})
	case MsgPing:
		s.send(c, Frame{Type: FramePong, ID: msg.ID})
	default:
		s.send(c, Frame{Type: FrameError, ID: msg.ID, Error: "unknown message type: " + msg.Type})
	}
}

// =============================================================================
// Introspection
// =============================================================================

// RoomStatus is the size of one room. Tenant is set for rooms inside /tenant.
type RoomStatus struct {
	Namespace string `json:"namespace"`
	Tenant    string `json:"tenant,omitempty"`
	Room      string `json:"room"`
	Clients   int    `json:"clients"`
}

// Status is a snapshot of the registry.
type Status struct {
	Connected        int            `json:"connected"`
	TotalConnections uint64         `json:"total_connections"`
	Namespaces       map[string]int `json:"namespaces"`
	Rooms            []RoomStatus   `json:"rooms"`
	Tenants          int            `json:"tenants"`
}

// Status recomputes the registry snapshot.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Connected:        s.liveLocked(),
		TotalConnections: s.total,
		Namespaces:       make(map[string]int, len(s.namespaces)),
		Rooms:            []RoomStatus{},
		Tenants:          len(s.tenants),
	}
	for name, space := range s.namespaces {
		st.Namespaces[name] = len(space.clients)
		for key, members := range space.rooms {
			st.Rooms = append(st.Rooms, RoomStatus{
				Namespace: name,
				Tenant:    key.tenant,
				Room:      key.name,
				Clients:   len(members),
			})
		}
	}
	slices.SortFunc(st.Rooms, func(a, b RoomStatus) int {
		if c := strings.Compare(a.Namespace, b.Namespace); c != 0 {
			return c
		}
		if c := strings.Compare(a.Tenant, b.Tenant); c != 0 {
			return c
		}
		return strings.Compare(a.Room, b.Room)
	})
	return st
}

// ConnectedClients lists every established client, oldest first.
func (s *Server) ConnectedClients() []ClientInfo {
	s.mu.RLock()
	out := []ClientInfo{}
	for _, space := range s.namespaces {
		for _, c := range space.clients {
			out = append(out, c.info())
		}
	}
	s.mu.RUnlock()
	sortClients(out)
	return out
}

// TenantClients lists the clients in tenantID's bucket.
func (s *Server) TenantClients(tenantID string) []ClientInfo {
	s.mu.RLock()
	out := []ClientInfo{}
	for _, c := range s.tenants[tenantID] {
		out = append(out, c.info())
	}
	s.mu.RUnlock()
	sortClients(out)
	return out
}

// RoomClients lists the members of room in namespace. Rooms inside /tenant
// belong to a tenant and are listed with TenantRoomClients instead.
func (s *Server) RoomClients(ns, room string) []ClientInfo {
	ns = normalizeNamespace(ns)
	if tenantScoped(ns) {
		return []ClientInfo{}
	}
	return s.roomClients(ns, roomKey{name: room})
}

// TenantRoomClients lists the members of tenantID's room inside /tenant.
func (s *Server) TenantRoomClients(tenantID, room string) []ClientInfo {
	if tenantID == "" {
		return []ClientInfo{}
	}
	return s.roomClients(NamespaceTenant, roomKey{tenant: tenantID, name: room})
}

func (s *Server) roomClients(ns string, key roomKey) []ClientInfo {
	s.mu.RLock()
	out := []ClientInfo{}
	if space, ok := s.namespaces[ns]; ok {
		for _, c := range space.rooms[key] {
			out = append(out, c.info())
		}
	}
	s.mu.RUnlock()
	sortClients(out)
	return out
}

func sortClients(cs []ClientInfo) {
	slices.SortFunc(cs, func(a, b ClientInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
