// Package relay rebroadcasts every inbound broker message to the real-time
// layer.
//
// Each message becomes an Envelope and is sent as "mqtt-message" to the /mqtt
// namespace and to the topic:<topic> room inside it. Topics that look like
// sensor data are also sent as "sensor-data" to /sensors. With WithTenants the
// message also goes to every tenant owning a module at the topic's site: to
// its /tenant bucket and to its own topic:<topic> room. Delivery is fire and forget: failures are logged and never
// reach the broker connection.
package relay
