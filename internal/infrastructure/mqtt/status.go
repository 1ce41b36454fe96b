package mqtt

import "time"

// Status is a point-in-time snapshot of one leg. The Connection owns the
// underlying state; callers always receive a copy.
type Status struct {
	Name              string    `json:"name"`
	Connected         bool      `json:"connected"`
	Reconnecting      bool      `json:"reconnecting"`
	LastConnected     time.Time `json:"last_connected,omitzero"`
	LastDisconnected  time.Time `json:"last_disconnected,omitzero"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Subscriptions     []string  `json:"subscriptions"`
	Queued            int       `json:"queued"`
}

// connState is the mutable state behind Status. Guarded by Connection.mu.
type connState struct {
	connected         bool
	reconnecting      bool
	lastConnected     time.Time
	lastDisconnected  time.Time
	reconnectAttempts int
}

// Status returns a snapshot of the connection state.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := make([]string, len(c.subs))
	for i, s := range c.subs {
		subs[i] = s.pattern
	}

	return Status{
		Name:              c.name,
		Connected:         c.state.connected,
		Reconnecting:      c.state.reconnecting,
		LastConnected:     c.state.lastConnected,
		LastDisconnected:  c.state.lastDisconnected,
		ReconnectAttempts: c.state.reconnectAttempts,
		Subscriptions:     subs,
		Queued:            len(c.queue),
	}
}

// IsConnected reports whether the leg currently has a live session.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.connected
}
