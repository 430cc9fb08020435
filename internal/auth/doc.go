// Package auth guards the laraclaw HTTP API.
//
// Callers present an HS256 JWT signed with the configured jwt_secret, either
// in the Authorization header or, for Server-Sent Events, as an access_token
// query parameter. The "sub" claim names the caller. The optional "uid"
// claim binds the token to a store user so that /api/ask can pull that
// user's memories into the prompt.
//
// Tokens are minted locally with `laraclaw token`.
//
// Webhook endpoints do not use this package; each gateway adapter verifies
// its own platform signature.
package auth
