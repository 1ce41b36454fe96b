package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sitelink-core/internal/auth"
	"github.com/nerrad567/sitelink-core/internal/realtime"
)

// handleStatus returns broker, subscription and real-time state in one
// snapshot. Non-admins only see their own tenant's rooms.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version":  s.version,
		"brokers":  s.gateway.DualStatus(),
		"patterns": s.gateway.Patterns(),
	}
	if s.subscriptions != nil {
		resp["subscriptions"] = s.subscriptions.Patterns()
	}
	if s.realtime != nil {
		st := s.realtime.Status()
		if id, admin := callerScope(r); !admin {
			st.Rooms = slices.DeleteFunc(st.Rooms, func(rs realtime.RoomStatus) bool {
				return rs.Tenant != "" && rs.Tenant != id.TenantID
			})
		}
		resp["realtime"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRealtimeClients lists connected real-time clients. Admins see every
// client, or one tenant's with ?tenant_id=. Everyone else sees the clients of
// their own tenant; naming another tenant is refused.
func (s *Server) handleRealtimeClients(w http.ResponseWriter, r *http.Request) {
	if s.realtime == nil {
		writeUnavailable(w, "realtime server not configured")
		return
	}

	id, admin := callerScope(r)
	tid := r.URL.Query().Get("tenant_id")

	var clients []realtime.ClientInfo
	switch {
	case admin && tid == "":
		clients = s.realtime.ConnectedClients()
	case admin:
		clients = s.realtime.TenantClients(tid)
	case tid != "" && tid != id.TenantID:
		writeForbidden(w, "cannot list another tenant's clients")
		return
	default:
		clients = s.realtime.TenantClients(id.TenantID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients, "count": len(clients)})
}

// handleRealtimeRoom lists the members of one room.
//
// Query parameters:
//   - namespace: defaults to /mqtt
//   - tenant_id: admins only, required for rooms in /tenant
//
// Inside /tenant non-admins always read their own tenant's room.
func (s *Server) handleRealtimeRoom(w http.ResponseWriter, r *http.Request) {
	if s.realtime == nil {
		writeUnavailable(w, "realtime server not configured")
		return
	}

	room := chi.URLParam(r, "room")
	ns := r.URL.Query().Get("namespace")
	if ns == "" {
		ns = realtime.NamespaceMQTT
	}

	resp := map[string]any{"namespace": ns, "room": room}
	var clients []realtime.ClientInfo
	if ns == realtime.NamespaceTenant {
		id, admin := callerScope(r)
		tid := id.TenantID
		if q := r.URL.Query().Get("tenant_id"); q != "" && q != tid {
			if !admin {
				writeForbidden(w, "cannot list another tenant's rooms")
				return
			}
			tid = q
		}
		if tid == "" {
			writeBadRequest(w, "tenant_id is required for /tenant rooms")
			return
		}
		clients = s.realtime.TenantRoomClients(tid, room)
		resp["tenant_id"] = tid
	} else {
		clients = s.realtime.RoomClients(ns, room)
	}
	resp["clients"] = clients
	resp["count"] = len(clients)
	writeJSON(w, http.StatusOK, resp)
}

// callerScope returns the caller's identity and whether it may look across
// tenants.
func callerScope(r *http.Request) (auth.Identity, bool) {
	id, _ := auth.IdentityFromContext(r.Context())
	return id, auth.HasPermission(id.Role, auth.PermSystemAdmin)
}
