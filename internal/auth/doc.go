// Package auth verifies the bearer tokens presented to the real-time server
// and the operations API.
//
// Tokens are HS256 JWTs issued by the account service. Besides the standard
// subject and expiry they carry:
//   - tid: the tenant the caller belongs to
//   - role: viewer, operator or admin
//
// A token is only accepted when it verifies and names both a subject and a
// tenant. Role permissions are a static map checked with HasPermission.
package auth
