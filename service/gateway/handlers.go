package gateway

import (
	"context"
	"encoding/json"
	"time"

	"ChatGateway/logger"
	"ChatGateway/service/broker"
	"ChatGateway/service/storage"
	"ChatGateway/tools/errs"

	"github.com/google/uuid"
)

// joinGroupHandler subscribes the user to a room and tells the room's
// other local members. Idempotent: re-joining an already-held room changes
// nothing.
type joinGroupHandler struct{ e *Engine }

func (h joinGroupHandler) Type() string { return EvtJoinGroup }

func (h joinGroupHandler) Handle(ctx context.Context, c *Client, payload json.RawMessage) error {
	var ref GroupRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.GroupID == "" {
		return errs.ErrInvalidEvent.WrapMsg("join requires groupId")
	}

	changed := h.e.registry.AddRoom(c.UserID(), ref.GroupID)
	if changed && storage.Ready() {
		if err := storage.AddUserGroup(ctx, c.UserID(), ref.GroupID); err != nil {
			logger.Warnf("[engine] membership cache add failed user=%s group=%s err=%v", c.UserID(), ref.GroupID, err)
		}
	}

	h.e.broadcastRoom(ref.GroupID, c.ConnID, EvtUserJoined, MemberEvent{
		UserID:   c.UserID(),
		Username: c.Identity.Username,
		GroupID:  ref.GroupID,
	})
	logger.Infof("[engine] user %s joined group %s", c.Identity.Username, ref.GroupID)
	return nil
}

// leaveGroupHandler is the inverse; leaving a room the user never joined
// is a no-op, not an error.
type leaveGroupHandler struct{ e *Engine }

func (h leaveGroupHandler) Type() string { return EvtLeaveGroup }

func (h leaveGroupHandler) Handle(ctx context.Context, c *Client, payload json.RawMessage) error {
	var ref GroupRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.GroupID == "" {
		return errs.ErrInvalidEvent.WrapMsg("leave requires groupId")
	}

	changed := h.e.registry.RemoveRoom(c.UserID(), ref.GroupID)
	if !changed {
		return nil
	}
	if storage.Ready() {
		if err := storage.RemoveUserGroup(ctx, c.UserID(), ref.GroupID); err != nil {
			logger.Warnf("[engine] membership cache remove failed user=%s group=%s err=%v", c.UserID(), ref.GroupID, err)
		}
	}

	h.e.broadcastRoom(ref.GroupID, c.ConnID, EvtUserLeft, MemberEvent{
		UserID:   c.UserID(),
		Username: c.Identity.Username,
		GroupID:  ref.GroupID,
	})
	logger.Infof("[engine] user %s left group %s", c.Identity.Username, ref.GroupID)
	return nil
}

// messageSendHandler enriches the payload with the verified sender identity
// and publishes it to the bus. Local members get it when the broker loops
// it back, so every instance delivers through the same path. When the
// publish fails, delivery degrades to a direct local broadcast.
type messageSendHandler struct{ e *Engine }

func (h messageSendHandler) Type() string { return EvtMessageSend }

func (h messageSendHandler) Handle(ctx context.Context, c *Client, payload json.RawMessage) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return errs.ErrInvalidEvent.WrapMsg("malformed message payload")
	}
	if msg.GroupID == "" {
		return errs.ErrInvalidEvent.WrapMsg("message requires groupId")
	}

	// Sender fields come from the connection's verified identity, never
	// from the client payload.
	msg.SenderID = c.UserID()
	msg.SenderUsername = c.Identity.Username
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}

	if err := h.e.publish(ctx, broker.TopicMessageNew, msg); err != nil {
		logger.Warnf("[engine] broker publish failed, falling back to local broadcast group=%s err=%v", msg.GroupID, err)
		h.e.broadcastRoom(msg.GroupID, c.ConnID, EvtMessageNew, msg)
	}
	return nil
}

// typingHandler relays start/stop indicators: immediately to local room
// members, best effort to other instances. A failed publish is logged and
// swallowed; typing is inherently lossy.
type typingHandler struct {
	e       *Engine
	evtType string // EvtTypingStart or EvtTypingStop
}

func (h typingHandler) Type() string { return h.evtType }

func (h typingHandler) Handle(ctx context.Context, c *Client, payload json.RawMessage) error {
	var ref GroupRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.GroupID == "" {
		return errs.ErrInvalidEvent.WrapMsg("typing requires groupId")
	}

	ev := TypingEvent{
		UserID:    c.UserID(),
		Username:  c.Identity.Username,
		GroupID:   ref.GroupID,
		Timestamp: time.Now().UTC(),
	}
	h.e.broadcastRoom(ref.GroupID, c.ConnID, h.evtType, ev)

	topic := broker.TopicTypingStart
	if h.evtType == EvtTypingStop {
		topic = broker.TopicTypingStop
	}
	if err := h.e.publish(ctx, topic, ev); err != nil {
		logger.Warnf("[engine] typing publish failed group=%s err=%v", ref.GroupID, err)
	}
	return nil
}

// RegisterHandlers wires the protocol handlers into the dispatcher.
func RegisterHandlers(d *Dispatcher, e *Engine) {
	d.Register(joinGroupHandler{e})
	d.Register(leaveGroupHandler{e})
	d.Register(messageSendHandler{e})
	d.Register(typingHandler{e, EvtTypingStart})
	d.Register(typingHandler{e, EvtTypingStop})
}
