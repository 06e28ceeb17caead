// Package auth issues and checks the bearer tokens that protect the HTTP
// API.
//
// Tokens are HS256 JWTs signed with the api.auth.jwt_secret. Each carries
// a scope: "read" allows the GET endpoints and the WebSocket feed,
// "control" additionally allows commands and refreshes. There are no user
// accounts; operators mint tokens with `sonoffd token`.
package auth
