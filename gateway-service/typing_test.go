package main

import (
	"sync"
	"testing"
	"time"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

func TestTypingTracker_StartStop(t *testing.T) {
	tr := newTypingTracker(time.Minute, func(string, string, string) {})

	if !tr.Start("u1", "alice", "conversation:1") {
		t.Error("Expected first Start to report a new indicator")
	}
	if tr.Start("u1", "alice", "conversation:1") {
		t.Error("Expected repeated Start to report an existing indicator")
	}
	if tr.ActiveCount() != 1 {
		t.Errorf("Expected 1 active indicator, got %d", tr.ActiveCount())
	}

	if !tr.Stop("u1", "conversation:1") {
		t.Error("Expected Stop to find the indicator")
	}
	if tr.Stop("u1", "conversation:1") {
		t.Error("Expected second Stop to be a no-op")
	}
	if tr.ActiveCount() != 0 {
		t.Errorf("Expected 0 active indicators, got %d", tr.ActiveCount())
	}
}

func TestTypingTracker_SameUserDifferentChannels(t *testing.T) {
	tr := newTypingTracker(time.Minute, func(string, string, string) {})

	tr.Start("u1", "alice", "conversation:1")
	tr.Start("u1", "alice", "post:7")

	if tr.ActiveCount() != 2 {
		t.Errorf("Expected independent indicators per channel, got %d", tr.ActiveCount())
	}

	tr.Stop("u1", "conversation:1")
	if tr.ActiveCount() != 1 {
		t.Errorf("Expected post:7 indicator to survive, got %d active", tr.ActiveCount())
	}
}

// Rapid repeated starts must collapse into a single expiry, fired one
// window after the last signal.
func TestTypingTracker_RapidStartsSingleExpiry(t *testing.T) {
	var mu sync.Mutex
	var expiries []time.Time

	window := 300 * time.Millisecond
	tr := newTypingTracker(window, func(userID, username, channelID string) {
		mu.Lock()
		expiries = append(expiries, time.Now())
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		tr.Start("u1", "alice", "conversation:1")
		time.Sleep(20 * time.Millisecond)
	}
	lastStart := time.Now()

	time.Sleep(window + 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(expiries) != 1 {
		t.Fatalf("Expected exactly 1 expiry, got %d", len(expiries))
	}
	if elapsed := expiries[0].Sub(lastStart); elapsed < window-50*time.Millisecond {
		t.Errorf("Expiry fired %v after last start, want about %v", elapsed, window)
	}
}

func TestTypingTracker_StopCancelsExpiry(t *testing.T) {
	fired := make(chan struct{}, 1)
	tr := newTypingTracker(100*time.Millisecond, func(string, string, string) {
		fired <- struct{}{}
	})

	tr.Start("u1", "alice", "conversation:1")
	tr.Stop("u1", "conversation:1")

	select {
	case <-fired:
		t.Error("Expected no expiry after explicit stop")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestChannelRoom(t *testing.T) {
	tests := []struct {
		name string
		sig  string
		typ  string
		want string
	}{
		{"already qualified", "conversation:5", "", "conversation:5"},
		{"type prefix applied", "5", "conversation", "conversation:5"},
		{"bare id passthrough", "lobby", "", "lobby"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := channelRoom(events.TypingSignal{ChannelID: tt.sig, ChannelType: tt.typ})
			if got != tt.want {
				t.Errorf("channelRoom(%q, %q) = %q, want %q", tt.sig, tt.typ, got, tt.want)
			}
		})
	}
}
