// Package protocol owns the wire contract shared by the client and the kernel.
//
// Ownership boundary:
// - destination registry (this package)
// - frame codec (frame)
// - application envelope (envelope)
// - handshake, session config and status (session)
// - request correlation (pending)
package protocol
