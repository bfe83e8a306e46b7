package gateway

import (
	"sync"
)

// Registry owns all connection and room state for one gateway instance.
// Everything is indexed by opaque IDs, so teardown is map deletion and a
// dangling *Client can never be reached once Unregister returns.
//
// Multi-device policy: a new connection for a user is added alongside the
// existing ones, never replacing them. Room membership is per user: when
// any device joins a room, every live connection of that user is
// subscribed, and a device connecting later is subscribed to the user's
// cached rooms during registration.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[string]*Client                 // connID -> client
	byUser    map[string]map[string]*Client      // userID -> connID -> client
	rooms     map[string]map[string]*Client      // groupID -> connID -> client
	userRooms map[string]map[string]struct{}     // userID -> set of groupID
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:    make(map[string]*Client),
		byUser:    make(map[string]map[string]*Client),
		rooms:     make(map[string]map[string]*Client),
		userRooms: make(map[string]map[string]struct{}),
	}
}

// Register records the connection. Reports whether it is the user's first
// live connection, which is the presence-online edge.
func (r *Registry) Register(c *Client) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byConn[c.ConnID] = c
	m := r.byUser[c.UserID()]
	if m == nil {
		m = make(map[string]*Client)
		r.byUser[c.UserID()] = m
	}
	first = len(m) == 0
	m[c.ConnID] = c

	// A reconnecting device picks up the rooms its user already holds.
	for groupID := range r.userRooms[c.UserID()] {
		if conns := r.rooms[groupID]; conns != nil {
			conns[c.ConnID] = c
		}
	}
	return first
}

// Unregister removes the connection from every index. Reports whether it
// was the user's last connection (the presence-offline edge). Idempotent:
// a second call for the same connID is a no-op.
func (r *Registry) Unregister(connID string) (c *Client, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)

	userID := c.UserID()
	if m := r.byUser[userID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byUser, userID)
			last = true
		}
	}

	for groupID := range r.userRooms[userID] {
		if conns := r.rooms[groupID]; conns != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.rooms, groupID)
			}
		}
	}
	if last {
		delete(r.userRooms, userID)
	}
	return c, last
}

// AddRoom subscribes every live connection of the user to the room and
// records the cached membership. Idempotent. Reports whether the user was
// newly added.
func (r *Registry) AddRoom(userID, groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.userRooms[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.userRooms[userID] = set
	}
	_, existed := set[groupID]
	set[groupID] = struct{}{}

	conns := r.rooms[groupID]
	if conns == nil {
		conns = make(map[string]*Client)
		r.rooms[groupID] = conns
	}
	for connID, c := range r.byUser[userID] {
		conns[connID] = c
	}
	return !existed
}

// RemoveRoom drops the user's cached membership and unsubscribes all of
// their connections. Idempotent: removing an absent room is a no-op.
func (r *Registry) RemoveRoom(userID, groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.userRooms[userID]
	if set == nil {
		return false
	}
	if _, ok := set[groupID]; !ok {
		return false
	}
	delete(set, groupID)
	if len(set) == 0 {
		delete(r.userRooms, userID)
	}

	if conns := r.rooms[groupID]; conns != nil {
		for connID := range r.byUser[userID] {
			delete(conns, connID)
		}
		if len(conns) == 0 {
			delete(r.rooms, groupID)
		}
	}
	return true
}

// RoomsOf returns the user's cached room set.
func (r *Registry) RoomsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.userRooms[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for groupID := range set {
		out = append(out, groupID)
	}
	return out
}

// MembersOf snapshots the connections currently subscribed to a room.
func (r *Registry) MembersOf(groupID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[groupID], "")
}

// MembersOfExcept is MembersOf minus one connection, for "notify the
// others" broadcasts where the acting socket must not hear itself.
func (r *Registry) MembersOfExcept(groupID, exceptConnID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[groupID], exceptConnID)
}

// AllClients snapshots every live connection (presence is global).
func (r *Registry) AllClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// UserCount reports distinct connected users, for the health endpoint.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func snapshot(conns map[string]*Client, exceptConnID string) []*Client {
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(conns))
	for connID, c := range conns {
		if connID == exceptConnID {
			continue
		}
		out = append(out, c)
	}
	return out
}
