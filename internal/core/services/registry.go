package services

import (
	"fmt"
	"sort"

	"chatrelay/internal/core/domain"

	"github.com/samber/lo"
)

// Registry maps rooms to connections and back. It is not safe for concurrent
// use; the hub owns it and mutates it only from its event loop.
type Registry struct {
	rooms  map[domain.RoomID]map[domain.ConnectionID]struct{}
	byConn map[domain.ConnectionID]map[domain.RoomID]struct{}
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[domain.RoomID]map[domain.ConnectionID]struct{}),
		byConn: make(map[domain.ConnectionID]map[domain.RoomID]struct{}),
	}
}

// JoinCheck describes what a client join-room request needs before it can be
// committed.
type JoinCheck struct {
	// Chat is set when the directory must confirm conversation membership.
	Chat domain.ChatID
}

// CheckClientJoin classifies a join-room request from a client. Call rooms are
// only entered through the call coordinator and personal rooms only by their
// owner.
func (r *Registry) CheckClientJoin(identity domain.Identity, room domain.RoomID) (JoinCheck, error) {
	switch room.Kind() {
	case domain.RoomKindConversation:
		return JoinCheck{Chat: room.ChatID()}, nil
	case domain.RoomKindGlobal:
		return JoinCheck{}, nil
	case domain.RoomKindPersonal:
		if room.IdentityID() != identity.ID {
			return JoinCheck{}, fmt.Errorf("%w: %s", domain.ErrRoomNotJoinable, room)
		}
		return JoinCheck{}, nil
	default:
		return JoinCheck{}, fmt.Errorf("%w: %s", domain.ErrRoomNotJoinable, room)
	}
}

// Join adds conn to room. It reports false when conn was already a member.
func (r *Registry) Join(conn domain.ConnectionID, room domain.RoomID) bool {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.ConnectionID]struct{})
		r.rooms[room] = members
	}
	if _, dup := members[conn]; dup {
		return false
	}
	members[conn] = struct{}{}

	joined, ok := r.byConn[conn]
	if !ok {
		joined = make(map[domain.RoomID]struct{})
		r.byConn[conn] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes conn from room. Leaving a room it never joined is a no-op.
func (r *Registry) Leave(conn domain.ConnectionID, room domain.RoomID) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, in := members[conn]; !in {
		return false
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	if joined, ok := r.byConn[conn]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byConn, conn)
		}
	}
	return true
}

// LeaveAll drops conn from every room and returns the rooms it was in.
func (r *Registry) LeaveAll(conn domain.ConnectionID) []domain.RoomID {
	rooms := r.RoomsOf(conn)
	for _, room := range rooms {
		r.Leave(conn, room)
	}
	return rooms
}

// Teardown removes a room entirely and returns its former members.
func (r *Registry) Teardown(room domain.RoomID) []domain.ConnectionID {
	members := r.MembersOf(room)
	for _, conn := range members {
		r.Leave(conn, room)
	}
	return members
}

// MembersOf returns the connections in room in a stable order. The result is
// a copy and may be retained by the caller.
func (r *Registry) MembersOf(room domain.RoomID) []domain.ConnectionID {
	out := lo.Keys(r.rooms[room])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoomsOf lists the rooms conn is in.
func (r *Registry) RoomsOf(conn domain.ConnectionID) []domain.RoomID {
	out := lo.Keys(r.byConn[conn])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether conn is a member of room.
func (r *Registry) Contains(room domain.RoomID, conn domain.ConnectionID) bool {
	_, ok := r.rooms[room][conn]
	return ok
}

func (r *Registry) RoomCount() int {
	return len(r.rooms)
}

// MemberCount returns the number of connections in room.
func (r *Registry) MemberCount(room domain.RoomID) int {
	return len(r.rooms[room])
}

// RoomCountByKind is used for the room gauges.
func (r *Registry) RoomCountByKind() map[domain.RoomKind]int {
	return lo.CountValuesBy(lo.Keys(r.rooms), func(room domain.RoomID) domain.RoomKind {
		return room.Kind()
	})
}
