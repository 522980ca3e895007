// Package gateway is the HTTP transport in front of the dispatcher.
//
// # Endpoints
//
//   - POST /rpc - one JSON-RPC envelope per request; notifications get 202
//   - GET /rpc/stream - SSE stream of server-to-client notifications
//   - DELETE /rpc - terminate a session (owner only)
//   - GET /healthz - liveness check
//
// Callers authenticate with a bearer credential on every request: either
// an HS256 session token or an opaque API token. After initialize, the
// session id rides in the Opal-Session-Id header.
//
// # SSE Streaming
//
// Notifications are streamed as Server-Sent Events:
//
//	event: ready
//	data: {"sessionId": "..."}
//
//	event: message
//	data: {"jsonrpc":"2.0","method":"notifications/resources/changed","params":{"uri":"..."}}
//
// The stream carries list_changed broadcasts for all three registries and
// targeted resources/changed events for subscribed keys. A slow consumer
// that falls behind its buffer loses events rather than blocking mutators.
package gateway
