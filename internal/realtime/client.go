package realtime

import (
	"slices"
	"time"

	"github.com/nerrad567/sitelink-core/internal/auth"
)

// Conn is the outbound side of one real-time connection.
type Conn interface {
	// Send queues data without blocking. It returns false when the frame was
	// dropped because the connection is closed or its buffer is full.
	Send(data []byte) bool
	Close() error
}

// Client is one established connection. Room membership is owned by the
// Server and guarded by its lock.
type Client struct {
	id          string
	namespace   string
	identity    auth.Identity
	remoteAddr  string
	connectedAt time.Time
	conn        Conn

	rooms map[roomKey]struct{}
}

// ID returns the server-assigned client ID.
func (c *Client) ID() string { return c.id }

// Namespace returns the namespace the client is connected to.
func (c *Client) Namespace() string { return c.namespace }

// Identity returns the authenticated identity. It is zero for clients of
// namespaces that do not require authentication.
func (c *Client) Identity() auth.Identity { return c.identity }

// ClientInfo is a snapshot of one client for introspection.
type ClientInfo struct {
	ID          string    `json:"id"`
	Namespace   string    `json:"namespace"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Rooms       []string  `json:"rooms"`
}

// info builds a snapshot. Caller holds the server lock.
func (c *Client) info() ClientInfo {
	rooms := make([]string, 0, len(c.rooms))
	for key := range c.rooms {
		rooms = append(rooms, key.name)
	}
	slices.Sort(rooms)
	return ClientInfo{
		ID:          c.id,
		Namespace:   c.namespace,
		TenantID:    c.identity.TenantID,
		Subject:     c.identity.Subject,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
		Rooms:       rooms,
	}
}
