// Package api implements the operations HTTP API for SiteLink Core.
//
// Endpoints (all under /api/v1):
//
//	GET  /health                  public; broker connectivity summary
//	GET  /auth/me                 caller identity and role permissions
//	GET  /status                  broker legs, subscribed patterns, realtime state
//	POST /publish                 publish on every connected broker leg
//	GET  /modules                 registered modules of the caller's tenant
//	POST /modules/{id}/announce   subscribe a newly created module
//	POST /modules/{id}/removed    release a deleted module's site
//	GET  /realtime/clients        connected realtime clients
//	GET  /realtime/rooms/{room}   members of one room (?namespace=, default /mqtt)
//
// Everything except /health requires a bearer JWT. Each route checks a
// permission from internal/auth against the token's role.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
