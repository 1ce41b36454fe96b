package mqtt

import (
	"fmt"
	"slices"
)

// Subscribe registers pattern on this leg.
//
// Patterns may contain '+' and a trailing '#'. The handler is optional; when
// several registered patterns match an inbound topic, only the handler of the
// earliest registration runs. Listeners added with OnMessage see every message
// either way.
//
// If the leg is connected the SUBSCRIBE is sent now and a broker refusal rolls
// the registration back. If it is not, the registration is kept and sent on
// the next connect. Re-subscribing an existing pattern replaces its handler
// and QoS but keeps its position.
func (c *Connection) Subscribe(pattern string, handler MessageHandler, opts SubscribeOptions) error {
	if !ValidFilter(pattern) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, pattern)
	}
	if opts.QoS > maxQoS {
		return ErrInvalidQoS
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	idx := c.indexOf(pattern)
	var previous subscription
	if idx >= 0 {
		previous = c.subs[idx]
		c.subs[idx] = subscription{pattern: pattern, qos: opts.QoS, handler: handler}
	} else {
		c.subs = append(c.subs, subscription{pattern: pattern, qos: opts.QoS, handler: handler})
	}
	connected := c.state.connected
	sess := c.session
	c.mu.Unlock()

	if !connected || sess == nil {
		return nil
	}

	if err := sess.Subscribe(pattern, opts.QoS); err != nil {
		c.mu.Lock()
		if i := c.indexOf(pattern); i >= 0 {
			if idx >= 0 {
				c.subs[i] = previous
			} else {
				c.subs = slices.Delete(c.subs, i, i+1)
			}
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe removes pattern. Unknown patterns are a no-op.
func (c *Connection) Unsubscribe(pattern string) error {
	c.mu.Lock()
	idx := c.indexOf(pattern)
	if idx < 0 {
		c.mu.Unlock()
		return nil
	}
	c.subs = slices.Delete(c.subs, idx, idx+1)
	connected := c.state.connected
	sess := c.session
	c.mu.Unlock()

	if !connected || sess == nil {
		return nil
	}
	if err := sess.Unsubscribe(pattern); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// HasSubscription reports whether pattern is registered (exact string match).
func (c *Connection) HasSubscription(pattern string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexOf(pattern) >= 0
}

// indexOf returns the position of pattern in c.subs, or -1. Caller holds c.mu.
func (c *Connection) indexOf(pattern string) int {
	return slices.IndexFunc(c.subs, func(s subscription) bool {
		return s.pattern == pattern
	})
}
