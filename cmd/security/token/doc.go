// Package token verifies access tokens minted by the external auth service.
//
// shuttlechat never issues credentials: the auth subsystem signs short-lived
// HS256 JWTs carrying the user id and role, and this package is the single
// place that turns a bearer token into a verified identity.
//
// Environment:
//   - SHUTTLECHAT_TOKEN_HMAC_KEY: shared HMAC secret (>= 32 bytes enforced
//     at startup).
package token
