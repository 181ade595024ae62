package main

import (
	"testing"
)

func testConn(id string) *conn {
	return &conn{id: id, send: make(chan []byte, sendBuffer)}
}

func TestRegistry_JoinLeave(t *testing.T) {
	r := newRegistry()
	a := testConn("a")
	b := testConn("b")

	r.join(a, "post:1")
	r.join(b, "post:1")
	r.join(a, "post:2")

	if got := len(r.members("post:1")); got != 2 {
		t.Errorf("Expected 2 members in post:1, got %d", got)
	}
	if !r.isMember(a, "post:2") {
		t.Error("Expected a to be a member of post:2")
	}
	if r.isMember(b, "post:2") {
		t.Error("Expected b not to be a member of post:2")
	}

	r.leave(a, "post:1")
	if got := len(r.members("post:1")); got != 1 {
		t.Errorf("Expected 1 member after leave, got %d", got)
	}
}

func TestRegistry_JoinIdempotent(t *testing.T) {
	r := newRegistry()
	a := testConn("a")

	r.join(a, "post:1")
	r.join(a, "post:1")

	if got := len(r.members("post:1")); got != 1 {
		t.Errorf("Expected duplicate join to be a no-op, got %d members", got)
	}
}

func TestRegistry_LeaveUnknownRoom(t *testing.T) {
	r := newRegistry()
	a := testConn("a")

	// Must not panic or create the room.
	r.leave(a, "post:404")
	if r.roomCount() != 0 {
		t.Errorf("Expected no rooms, got %d", r.roomCount())
	}
}

func TestRegistry_EmptyRoomEvicted(t *testing.T) {
	r := newRegistry()
	a := testConn("a")

	r.join(a, "post:1")
	r.leave(a, "post:1")

	if r.roomCount() != 0 {
		t.Errorf("Expected empty room to be evicted, got %d rooms", r.roomCount())
	}
}

func TestRegistry_DropConn(t *testing.T) {
	r := newRegistry()
	a := testConn("a")
	b := testConn("b")

	r.join(a, "post:1")
	r.join(a, "conversation:9")
	r.join(b, "post:1")

	rooms := r.dropConn(a)
	if len(rooms) != 2 {
		t.Errorf("Expected dropConn to report 2 rooms, got %d", len(rooms))
	}
	if r.isMember(a, "post:1") {
		t.Error("Expected a to be gone from post:1")
	}
	if !r.isMember(b, "post:1") {
		t.Error("Expected b to remain in post:1")
	}
	if r.connCount() != 1 {
		t.Errorf("Expected 1 tracked connection, got %d", r.connCount())
	}
}

func TestRegistry_BroadcastLocalExcludesOrigin(t *testing.T) {
	r := newRegistry()
	a := testConn("a")
	b := testConn("b")
	r.join(a, "post:1")
	r.join(b, "post:1")

	n := r.broadcastLocal("post:1", []byte(`{"event":"x"}`), "a")
	if n != 1 {
		t.Fatalf("Expected 1 delivery, got %d", n)
	}
	select {
	case <-b.send:
	default:
		t.Error("Expected b to receive the frame")
	}
	select {
	case <-a.send:
		t.Error("Expected a to be excluded")
	default:
	}
}

func TestRegistry_BroadcastAll(t *testing.T) {
	r := newRegistry()
	a := testConn("a")
	b := testConn("b")
	r.join(a, "user:1")
	r.join(b, "user:2")

	if n := r.broadcastAll([]byte(`{"event":"userOnline"}`), ""); n != 2 {
		t.Errorf("Expected 2 deliveries, got %d", n)
	}
}
