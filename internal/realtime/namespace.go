package realtime

import "strings"

// Fixed namespaces.
const (
	NamespaceGlobal  = "/"
	NamespaceMQTT    = "/mqtt"
	NamespaceSensors = "/sensors"
	NamespaceTenant  = "/tenant"
)

// Namespaces lists every namespace the server accepts connections on.
var Namespaces = []string{NamespaceGlobal, NamespaceMQTT, NamespaceSensors, NamespaceTenant}

// tenantScoped reports whether connections to ns must authenticate.
func tenantScoped(ns string) bool {
	return ns == NamespaceTenant
}

// Target addresses a broadcast. Both fields empty means every client outside
// tenant-scoped namespaces.
type Target struct {
	Namespace string
	Room      string
}

// TopicRoom is the room in /mqtt that follows one literal MQTT topic.
func TopicRoom(topic string) string {
	return "topic:" + topic
}

// tenantRoomPrefix marks the per-tenant room; clients cannot join or leave
// names carrying it.
const tenantRoomPrefix = "tenant:"

// TenantRoom is the room every connection of a tenant joins on connect.
func TenantRoom(tenantID string) string {
	return tenantRoomPrefix + tenantID
}

// roomKey identifies a room inside a namespace. tenant is empty outside
// /tenant; inside it the tenant comes from the authenticated identity, so
// rooms of different tenants never share a key whatever their names contain.
type roomKey struct {
	tenant string
	name   string
}

// normalizeNamespace maps "", "mqtt" and "/mqtt/" style input onto the
// canonical "/mqtt" form.
func normalizeNamespace(ns string) string {
	ns = strings.Trim(ns, "/")
	return "/" + ns
}
