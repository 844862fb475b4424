// Package session owns client<->kernel session transport helpers.
//
// Ownership boundary:
// - authentication handshake messages
// - connection config, endpoint parsing and transport security policy
// - connection status and retry backoff primitives
package session
