package ipc

import (
	"context"
	"fmt"

	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
)

// Message is an inbound request or a response delivered to a caller.
type Message struct {
	Destination frame.Destination
	RequestID   uint32
	Payload     []byte
}

func messageFromFrame(f frame.Frame) Message {
	return Message{Destination: f.Destination, RequestID: f.RequestID, Payload: f.Payload}
}

// Handler answers a request the kernel sends to this client. The returned
// payload goes back as the RESPONSE; an error goes back as an Error response.
// ctx is cancelled when the client shuts down.
type Handler func(ctx context.Context, msg Message) ([]byte, error)

// RegisterMessageHandler binds h to dest. A destination holds at most one
// handler; a second registration fails with ErrHandlerExists.
func (c *Client) RegisterMessageHandler(dest frame.Destination, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if err := protocol.ValidateHandlerDestination(dest); err != nil {
		return err
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if _, ok := c.handlers[dest]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, protocol.Name(dest))
	}
	c.handlers[dest] = h
	return nil
}

// UnregisterMessageHandler removes the handler for dest and reports whether
// one was registered.
func (c *Client) UnregisterMessageHandler(dest frame.Destination) bool {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	_, ok := c.handlers[dest]
	delete(c.handlers, dest)
	return ok
}

func (c *Client) handler(dest frame.Destination) (Handler, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	h, ok := c.handlers[dest]
	return h, ok
}
