// Package rooms owns the room registry and room-scoped broadcast.
package rooms

import (
	"log/slog"
	"sort"
	"sync"
)

// Member is a registered participant. Members are keyed by ID; the hub keeps
// no other reference to the connection behind them.
type Member interface {
	ID() string
	Send(msg []byte) error
}

// Hub is the room registry. The zero value is not usable; call New.
type Hub struct {
	logger *slog.Logger

	mu         sync.Mutex
	rooms      map[string]map[string]Member // room -> member id -> member
	memberRoom map[string]string            // member id -> room
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger.With("component", "rooms"),
		rooms:      make(map[string]map[string]Member),
		memberRoom: make(map[string]string),
	}
}

// Register adds m to room, creating the room if needed. A member already in
// another room is moved; registering again in the same room is a no-op.
func (h *Hub) Register(room string, m Member) {
	id := m.ID()

	h.mu.Lock()
	if prev, ok := h.memberRoom[id]; ok && prev != room {
		h.removeLocked(prev, id)
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Member)
		h.rooms[room] = members
	}
	members[id] = m
	h.memberRoom[id] = room
	count := len(members)
	h.mu.Unlock()

	h.logger.Info("member joined", "room", room, "member_id", id, "members", count)
}

// Unregister removes m from its room and deletes the room once empty.
// Unknown members are ignored.
func (h *Hub) Unregister(m Member) {
	id := m.ID()

	h.mu.Lock()
	room, ok := h.memberRoom[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	remaining := h.removeLocked(room, id)
	h.mu.Unlock()

	h.logger.Info("member left", "room", room, "member_id", id, "members", remaining)
}

func (h *Hub) removeLocked(room, id string) int {
	delete(h.memberRoom, id)
	members := h.rooms[room]
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	return len(members)
}

// Broadcast delivers msg unchanged to every member of room except senderID.
// An unknown room is a no-op. Send failures are logged per receiver and the
// receiver stays registered. Returns the number of successful deliveries.
func (h *Hub) Broadcast(room string, msg []byte, senderID string) int {
	h.mu.Lock()
	members := h.rooms[room]
	receivers := make([]Member, 0, len(members))
	for id, m := range members {
		if id != senderID {
			receivers = append(receivers, m)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, m := range receivers {
		if err := m.Send(msg); err != nil {
			h.logger.Warn("broadcast send failed", "room", room, "member_id", m.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// RoomOf returns the room a member is registered in.
func (h *Hub) RoomOf(memberID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.memberRoom[memberID]
	return room, ok
}

// Members returns the sorted member ids of room.
func (h *Hub) Members(room string) []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// RoomInfo summarizes one room.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// Snapshot lists all rooms with their member counts, sorted by id.
func (h *Hub) Snapshot() []RoomInfo {
	h.mu.Lock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for id, members := range h.rooms {
		out = append(out, RoomInfo{ID: id, Members: len(members)})
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
