// Package api implements the HTTP control API and WebSocket event stream
// for the DCC flasher.
//
// This package provides:
//   - REST endpoints for device listing, rescans and discovery restarts
//   - Task endpoints that start flash, erase, config and batch transfers
//   - Catalog and transfer history queries
//   - WebSocket hub broadcasting task progress, driver hints and device logs
//   - Optional HS256 bearer authentication with ticket-based WebSocket auth
//
// # Security
//
// When security.jwt.secret is empty the API is unauthenticated and should
// only be bound to localhost. With a secret, every route except health
// requires a bearer token, and WebSocket connections use single-use
// tickets so the token never appears in a URL.
//
// # Graceful Degradation
//
// The catalog, history and MQTT dependencies are optional. Routes whose
// dependency is missing answer 503.
package api
