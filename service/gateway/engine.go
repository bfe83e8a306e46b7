package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"ChatGateway/logger"
	"ChatGateway/service/broker"
)

// Engine is the fan-out state machine: it turns local client actions into
// broker publications and broker deliveries into local broadcasts. Events
// received from the broker are only ever fanned out locally, never
// published back, so a message cannot loop between instances.
type Engine struct {
	gatewayID string
	registry  *Registry
	fanout    *Fanout
	bus       broker.Broker

	pubTimeout time.Duration
	degraded   atomic.Bool
	localOnly  atomic.Bool
}

func NewEngine(gatewayID string, registry *Registry, fanout *Fanout, bus broker.Broker) *Engine {
	return &Engine{
		gatewayID:  gatewayID,
		registry:   registry,
		fanout:     fanout,
		bus:        bus,
		pubTimeout: 3 * time.Second,
	}
}

// Degraded reports whether the last broker publish failed or the gateway
// was started without a reachable broker. Local fan-out keeps working in
// that state; only cross-instance delivery is lost.
func (e *Engine) Degraded() bool { return e.localOnly.Load() || e.degraded.Load() }

// SetLocalOnly pins the gateway into degraded mode when it is running on
// an in-process bus because the configured broker was unreachable.
func (e *Engine) SetLocalOnly() { e.localOnly.Store(true) }

// publish sends an origin-tagged event to the bus and tracks broker health.
func (e *Engine) publish(ctx context.Context, topic string, payload any) error {
	data, err := encodeBusEvent(e.gatewayID, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.pubTimeout)
	defer cancel()
	if err := e.bus.Publish(ctx, topic, data); err != nil {
		e.degraded.Store(true)
		return err
	}
	e.degraded.Store(false)
	return nil
}

// broadcastRoom delivers an event to the room's local members, optionally
// skipping one connection (the acting socket).
func (e *Engine) broadcastRoom(groupID, exceptConnID, evtType string, payload any) {
	var conns []*Client
	if exceptConnID == "" {
		conns = e.registry.MembersOf(groupID)
	} else {
		conns = e.registry.MembersOfExcept(groupID, exceptConnID)
	}
	if len(conns) == 0 {
		return
	}
	frame, err := encodeEnvelope(evtType, payload)
	if err != nil {
		logger.Errorf("[engine] encode %s: %v", evtType, err)
		return
	}
	e.fanout.Broadcast(groupID, conns, frame)
}

// broadcastAll delivers to every local connection. Presence is global.
func (e *Engine) broadcastAll(evtType string, payload any) {
	conns := e.registry.AllClients()
	if len(conns) == 0 {
		return
	}
	frame, err := encodeEnvelope(evtType, payload)
	if err != nil {
		logger.Errorf("[engine] encode %s: %v", evtType, err)
		return
	}
	e.fanout.Broadcast(evtType, conns, frame)
}

// PublishOnline announces the user's first connection. When the broker is
// down the announcement degrades to this instance only.
func (e *Engine) PublishOnline(ctx context.Context, userID string) {
	ev := PresenceEvent{UserID: userID}
	if err := e.publish(ctx, broker.TopicUserOnline, ev); err != nil {
		logger.Warnf("[engine] presence online publish failed, local only user=%s err=%v", userID, err)
		e.broadcastAll(EvtUserOnline, ev)
	}
}

// PublishOffline announces the user's last disconnect. Called exactly once
// per online period, on the last-connection teardown edge.
func (e *Engine) PublishOffline(ctx context.Context, userID string) {
	ev := PresenceEvent{UserID: userID}
	if err := e.publish(ctx, broker.TopicUserOffline, ev); err != nil {
		logger.Warnf("[engine] presence offline publish failed, local only user=%s err=%v", userID, err)
		e.broadcastAll(EvtUserOffline, ev)
	}
}

// BindBroker subscribes the fixed topic set. Must run before the gateway
// accepts connections so no cross-instance event is missed.
func (e *Engine) BindBroker() error {
	subs := map[string]broker.Handler{
		broker.TopicMessageNew:  e.onBusMessage,
		broker.TopicUserOnline:  func(d []byte) { e.onBusPresence(d, EvtUserOnline) },
		broker.TopicUserOffline: func(d []byte) { e.onBusPresence(d, EvtUserOffline) },
		broker.TopicTypingStart: func(d []byte) { e.onBusTyping(d, EvtTypingStart) },
		broker.TopicTypingStop:  func(d []byte) { e.onBusTyping(d, EvtTypingStop) },
	}
	for topic, h := range subs {
		if err := e.bus.Subscribe(topic, h); err != nil {
			return err
		}
	}
	return nil
}

// onBusMessage rebroadcasts a chat message to the room's local members.
// Own-origin events are delivered too: message delivery always takes the
// broker round trip, so every instance, the sender's included, hands the
// message out through this one path.
func (e *Engine) onBusMessage(data []byte) {
	ev, err := decodeBusEvent(data)
	if err != nil {
		logger.Warnf("[engine] bad bus message: %v", err)
		return
	}
	var msg Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil || msg.GroupID == "" {
		logger.Warnf("[engine] bus message missing group, dropped")
		return
	}
	e.broadcastRoom(msg.GroupID, "", EvtMessageNew, json.RawMessage(ev.Data))
}

func (e *Engine) onBusPresence(data []byte, evtType string) {
	ev, err := decodeBusEvent(data)
	if err != nil {
		logger.Warnf("[engine] bad bus presence: %v", err)
		return
	}
	e.broadcastAll(evtType, json.RawMessage(ev.Data))
}

// onBusTyping rebroadcasts typing indicators from other instances. The
// publishing instance already broadcast locally, so its own events are
// skipped here.
func (e *Engine) onBusTyping(data []byte, evtType string) {
	ev, err := decodeBusEvent(data)
	if err != nil {
		logger.Warnf("[engine] bad bus typing: %v", err)
		return
	}
	if ev.Origin == e.gatewayID {
		return
	}
	var t TypingEvent
	if err := json.Unmarshal(ev.Data, &t); err != nil || t.GroupID == "" {
		return
	}
	e.broadcastRoom(t.GroupID, "", evtType, json.RawMessage(ev.Data))
}
