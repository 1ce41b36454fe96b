// Package realtime is the WebSocket fan-out layer.
//
// Clients connect to one of four fixed namespaces:
//
//	/          global
//	/mqtt      every relayed broker message, plus topic:<topic> rooms
//	/sensors   sensor data only
//	/tenant    authenticated, tenant-scoped
//
// Connecting to /tenant requires a bearer JWT in the Authorization header or
// the token query parameter. The handshake is checked before the upgrade; a
// refused client gets 401 and is never registered. An accepted connection
// lands in exactly one tenant bucket and joins tenant:<id>. Rooms inside
// /tenant are keyed by the tenant of the authenticated identity and the room
// name as a pair, so no choice of names lets a client reach another tenant's
// room. Names starting with "tenant:" are reserved there.
//
// Client messages are JSON objects:
//
//	{"type":"join-room","room":"topic:acme/us_austin/line1/pTrace/data"}
//	{"type":"leave-room","room":"..."}
//	{"type":"ping"}
//
// Server frames carry a type of connected, event, joined, left, pong or error.
// A room disappears when its last member leaves.
package realtime
