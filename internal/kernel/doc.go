// Package kernel is a reference peer for ipc clients: it accepts
// connections, authenticates them, routes client requests to registered
// handlers and can push requests to a connected client.
//
// It backs the kernelctl tool and the end-to-end tests of the ipc client.
package kernel
