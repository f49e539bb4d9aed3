// Package realtime keeps track of connected participants per poll and fans poll snapshots out to them.
package realtime

import (
	"sort"
	"sync"
)

// Sender is a connection the registry can deliver messages to.
type Sender interface {
	ID() string
	Send(msg []byte) bool
	Close()
}

// Binding ties a connection to the participant and poll it authenticated as.
type Binding struct {
	PollID        string
	ParticipantID string
}

type room struct {
	mu     sync.Mutex
	closed bool
	// participant id -> connection id -> connection
	members map[string]map[string]Sender
}

// Registry is process-local. The registry lock only guards the room map; membership changes lock a
// single room, so unrelated polls never contend.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	bindings sync.Map
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

func (r *Registry) room(pollID string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[pollID]
	if rm != nil {
		rm.mu.Lock()
		closed := rm.closed
		rm.mu.Unlock()
		if !closed {
			return rm
		}
		delete(r.rooms, pollID)
	}
	if !create {
		return nil
	}
	rm = &room{members: make(map[string]map[string]Sender)}
	r.rooms[pollID] = rm
	return rm
}

func (r *Registry) forget(pollID string, rm *room) {
	r.mu.Lock()
	if r.rooms[pollID] == rm {
		delete(r.rooms, pollID)
	}
	r.mu.Unlock()
}

// Register adds conn to the poll's room and reports whether it is the participant's first connection.
func (r *Registry) Register(pollID, participantID string, conn Sender) bool {
	for {
		rm := r.room(pollID, true)
		rm.mu.Lock()
		if rm.closed {
			// Lost a race with the last member leaving; the next lookup builds a fresh room.
			rm.mu.Unlock()
			continue
		}
		conns := rm.members[participantID]
		if conns == nil {
			conns = make(map[string]Sender)
			rm.members[participantID] = conns
		}
		first := len(conns) == 0
		conns[conn.ID()] = conn
		r.bindings.Store(conn.ID(), Binding{PollID: pollID, ParticipantID: participantID})
		rm.mu.Unlock()
		return first
	}
}

// Unregister removes a connection. It reports the binding, whether that was the participant's last
// connection, and false when the connection was not registered.
func (r *Registry) Unregister(connID string) (Binding, bool, bool) {
	v, ok := r.bindings.LoadAndDelete(connID)
	if !ok {
		return Binding{}, false, false
	}
	b := v.(Binding)

	rm := r.room(b.PollID, false)
	if rm == nil {
		return b, false, true
	}
	rm.mu.Lock()
	conns := rm.members[b.ParticipantID]
	if _, ok := conns[connID]; !ok {
		rm.mu.Unlock()
		return b, false, true
	}
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(rm.members, b.ParticipantID)
	}
	empty := len(rm.members) == 0
	if empty {
		rm.closed = true
	}
	rm.mu.Unlock()

	if empty {
		r.forget(b.PollID, rm)
	}
	return b, last, true
}

// Lookup returns the binding of a registered connection.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	v, ok := r.bindings.Load(connID)
	if !ok {
		return Binding{}, false
	}
	return v.(Binding), true
}

// Connections returns every connection in the poll's room.
func (r *Registry) Connections(pollID string) []Sender {
	rm := r.room(pollID, false)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	var out []Sender
	for _, conns := range rm.members {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

// Participants returns the connected participant ids of a poll, sorted.
func (r *Registry) Participants(pollID string) []string {
	rm := r.room(pollID, false)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	rm.mu.Unlock()
	sort.Strings(out)
	return out
}

// CloseRoom drops the poll's room and returns the connections that were in it. The caller closes them.
func (r *Registry) CloseRoom(pollID string) []Sender {
	r.mu.Lock()
	rm := r.rooms[pollID]
	delete(r.rooms, pollID)
	r.mu.Unlock()
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	rm.closed = true
	var out []Sender
	for _, conns := range rm.members {
		for id, c := range conns {
			r.bindings.Delete(id)
			out = append(out, c)
		}
	}
	rm.members = nil
	rm.mu.Unlock()
	return out
}

// Len returns the number of rooms with at least one connection.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
