// Package gateway joins the plain and TLS broker legs into one client.
//
// A Gateway owns two mqtt.Connection values and presents them as a single
// publish/subscribe surface. It is up when at least one leg is up.
//
// Fan-out:
//
// Publish, Subscribe and Unsubscribe run on every connected leg concurrently
// and wait for all of them. A failure on one leg is logged; only a failure on
// every attempted leg is returned. Because both legs subscribe to the same
// patterns, a message published on the shared broker network can arrive once
// per leg and the handler runs once per arrival.
//
// Deferred publishes:
//
// When no leg is connected, Publish returns ErrNoActiveConnection and keeps
// the message. The first leg to connect afterwards sends it, so it leaves the
// process exactly once.
//
// Usage:
//
//	gw := gateway.New(cfg.MQTT, logger)
//	if err := gw.Connect(ctx); err != nil {
//	    return fmt.Errorf("connecting gateway: %w", err)
//	}
//	defer gw.Close()
//
//	err := gw.Subscribe("acme/us_austin/#", handler, mqtt.SubscribeOptions{QoS: 1})
package gateway
