// ABOUTME: Package auth resolves credentials to principals for the RPC gateway.
// ABOUTME: Supports signed session tokens (JWT) and opaque long-lived API tokens.

// Package auth implements the gateway's authentication gate.
//
// Two credential shapes are accepted and both resolve to the same Principal
// so the dispatcher stays credential-agnostic: compact HS256-signed session
// tokens carrying identity claims, and opaque API tokens looked up in the
// durable store. Role and permission checks are separate concerns layered
// on top of the resolved principal by the dispatcher.
package auth
