// Package mqtt provides broker connectivity for SiteLink Core.
//
// A Connection is one leg: a session with a single broker endpoint
// (plain TCP, TLS, or WebSocket) that it keeps alive itself.
//
// This package manages:
//   - Connect with a per-leg timeout and a fixed-period reconnect loop
//   - An unbounded offline queue replayed in FIFO order on reconnect
//   - Wildcard subscriptions restored on every reconnect
//   - First-match handler dispatch plus listeners that see every message
//   - Snapshot status (connected, reconnecting, attempts, subscriptions)
//
// # Sessions
//
// The network is reached through the Session interface. Production code uses
// PahoSessionFactory (paho.mqtt.golang with its own auto-reconnect disabled);
// tests plug in the in-memory broker from package mqtttest.
//
// Each connect attempt gets a new generation. A handshake abandoned on
// timeout may still complete later; anything its session reports is dropped.
//
// # Usage
//
//	conn := mqtt.NewConnection("secure", cfg.MQTT.Secure, mqtt.WithLogger(logger))
//	if err := conn.Connect(ctx); err != nil {
//	    logger.Warn("secure leg down, will retry", "error", err)
//	}
//	defer conn.Close()
//
//	conn.Subscribe(mqtt.SitePattern("Acme", "US", "Austin"), nil, mqtt.SubscribeOptions{QoS: 1})
//	conn.OnMessage(func(m mqtt.Message) { ... })
package mqtt
