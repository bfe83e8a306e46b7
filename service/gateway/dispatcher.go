package gateway

import (
	"context"
	"encoding/json"

	"ChatGateway/tools/errs"
)

// Handler processes one client event type.
type Handler interface {
	Type() string
	Handle(ctx context.Context, c *Client, payload json.RawMessage) error
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

// Dispatch routes one envelope. Unknown event types are an InvalidEvent:
// reported to the sender, never fatal to the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, env Envelope) error {
	h, ok := d.handlers[env.Type]
	if !ok {
		return errs.ErrInvalidEvent.WrapMsg("unknown event type", "type", env.Type)
	}
	return h.Handle(ctx, c, env.Payload)
}
