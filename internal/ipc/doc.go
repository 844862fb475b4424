// Package ipc is the client side of the kernel IPC transport.
//
// A Client owns one logical connection to the kernel. It authenticates on
// connect, multiplexes requests to many destinations over the socket,
// correlates responses by request id, runs registered handlers for requests
// pushed by the kernel, and reconnects after the socket drops.
//
// Each accepted connection is a session with its own generation number, one
// reader goroutine (the dispatch loop) and one writer goroutine. Sessions are
// replaced, never mutated, on reconnect.
package ipc
