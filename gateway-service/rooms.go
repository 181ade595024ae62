package main

import "sync"

// registry maps rooms to the local connections subscribed to them, with a
// reverse index so a closing connection can be dropped from all of its
// rooms without a scan.
//
// Rooms exist only as map entries: created lazily on first join, evicted
// when the last local member leaves. Full cross-process membership is
// never materialized anywhere; remote members are reached by re-publishing
// on the backplane, not by lookup.
type registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]bool // forward: room -> local members
	conns map[*conn]map[string]bool // reverse: conn -> rooms
}

func newRegistry() *registry {
	return &registry{
		rooms: make(map[string]map[*conn]bool),
		conns: make(map[*conn]map[string]bool),
	}
}

// join is idempotent.
func (r *registry) join(c *conn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*conn]bool)
	}
	r.rooms[room][c] = true
	if r.conns[c] == nil {
		r.conns[c] = make(map[string]bool)
	}
	r.conns[c][room] = true
}

// leave is idempotent; an emptied room is evicted.
func (r *registry) leave(c *conn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.conns[c]; ok {
		delete(rooms, room)
	}
}

// dropConn removes a connection from every room it joined and returns the
// affected rooms.
func (r *registry) dropConn(c *conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.conns[c]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(rooms))
	for room := range rooms {
		affected = append(affected, room)
		if members, ok := r.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.conns, c)
	return affected
}

func (r *registry) isMember(c *conn, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[room][c]
}

func (r *registry) members(room string) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	result := make([]*conn, 0, len(members))
	for c := range members {
		result = append(result, c)
	}
	return result
}

func (r *registry) allConns() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		result = append(result, c)
	}
	return result
}

func (r *registry) roomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *registry) connCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// broadcastLocal writes one frame to every local member of room, skipping
// the excluded connection id if set. It is invoked only from the backplane
// receive path; originating handlers publish instead (see backplane.go).
func (r *registry) broadcastLocal(room string, frame []byte, excludeConnID string) int {
	delivered := 0
	for _, c := range r.members(room) {
		if excludeConnID != "" && c.id == excludeConnID {
			continue
		}
		c.enqueue(frame)
		delivered++
	}
	return delivered
}

// broadcastAll writes one frame to every local connection regardless of
// room membership. Used for the global online/offline announcements.
func (r *registry) broadcastAll(frame []byte, excludeConnID string) int {
	delivered := 0
	for _, c := range r.allConns() {
		if excludeConnID != "" && c.id == excludeConnID {
			continue
		}
		c.enqueue(frame)
		delivered++
	}
	return delivered
}
