package mqtt

import (
	"fmt"
	"slices"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20

// Publish sends a message on this leg.
//
// When the leg is connected the message is sent now and a broker error is
// returned wrapped in ErrPublishFailed. When it is not, the message is appended
// to the unbounded offline queue and Publish returns nil; queued messages are
// replayed in submission order on the next successful connect.
//
// Example:
//
//	err := conn.Publish("acme/us_austin/line1/cmd", []byte(`{"run":true}`),
//	    mqtt.PublishOptions{QoS: 1})
func (c *Connection) Publish(topic string, payload []byte, opts PublishOptions) error {
	if err := ValidatePublish(topic, payload, opts); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.state.connected || c.session == nil {
		c.queue = append(c.queue, queuedMessage{
			topic:   topic,
			payload: slices.Clone(payload),
			opts:    opts,
		})
		queued := len(c.queue)
		c.mu.Unlock()
		c.logger.Debug("mqtt leg offline, publish queued", "leg", c.name, "topic", topic, "queued", queued)
		return nil
	}
	sess := c.session
	c.mu.Unlock()

	if err := sess.Publish(topic, opts.QoS, opts.Retain, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// flushQueue replays the offline queue on sess in FIFO order. If a publish
// fails the unsent remainder goes back to the head of the queue, ahead of
// anything queued meanwhile.
func (c *Connection) flushQueue(sess Session) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, m := range pending {
		if err := sess.Publish(m.topic, m.opts.QoS, m.opts.Retain, m.payload); err != nil {
			c.mu.Lock()
			if !c.closed {
				c.queue = append(slices.Clone(pending[i:]), c.queue...)
			}
			c.mu.Unlock()
			c.logger.Warn("flushing offline queue interrupted",
				"leg", c.name,
				"sent", i,
				"remaining", len(pending)-i,
				"error", err,
			)
			return
		}
	}

	if len(pending) > 0 {
		c.logger.Info("offline queue flushed", "leg", c.name, "count", len(pending))
	}
}

// ValidatePublish checks a publish before it is sent or queued: the topic must
// be non-empty and wildcard-free, QoS at most 2, payload at most 1MB.
func ValidatePublish(topic string, payload []byte, opts PublishOptions) error {
	if topic == "" || HasWildcard(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if opts.QoS > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}
