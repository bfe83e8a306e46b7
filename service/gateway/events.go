package gateway

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Client -> server event types.
const (
	EvtJoinGroup   = "join:group"
	EvtLeaveGroup  = "leave:group"
	EvtMessageSend = "message:send"
	EvtTypingStart = "typing:start"
	EvtTypingStop  = "typing:stop"
)

// Server -> client event types.
const (
	EvtMessageNew  = "message:new"
	EvtUserJoined  = "user:joined"
	EvtUserLeft    = "user:left"
	EvtUserOnline  = "user:online"
	EvtUserOffline = "user:offline"
	EvtError       = "error"
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is the chat payload the gateway relays. Content semantics belong
// to the chat service; the gateway only requires a group and stamps the
// missing bookkeeping fields.
type Message struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	GroupID        string    `json:"groupId"`
	Timestamp      time.Time `json:"timestamp"`
	MessageType    string    `json:"messageType"`
}

// GroupRef is the payload of join:group / leave:group and the typing events.
type GroupRef struct {
	GroupID string `json:"groupId"`
}

// MemberEvent announces a user joining or leaving a room.
type MemberEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	GroupID  string `json:"groupId"`
}

// TypingEvent is ephemeral: best effort, never persisted.
type TypingEvent struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	GroupID   string    `json:"groupId"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceEvent is global, not room scoped.
type PresenceEvent struct {
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// BusEvent is the broker wire envelope. Origin lets an instance recognize
// its own publications: events it already broadcast locally (typing) are
// not delivered twice, and nothing received from the bus is ever published
// back to it.
type BusEvent struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

func encodeEnvelope(evtType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", evtType)
	}
	out, err := json.Marshal(Envelope{Type: evtType, Payload: data})
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s envelope", evtType)
	}
	return out, nil
}

func encodeBusEvent(origin string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal bus payload")
	}
	return json.Marshal(BusEvent{Origin: origin, Data: data})
}

func decodeBusEvent(raw []byte) (BusEvent, error) {
	var ev BusEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return BusEvent{}, errors.Wrap(err, "unmarshal bus event")
	}
	return ev, nil
}
