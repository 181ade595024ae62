package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// typingKey identifies one typing indicator. Keyed strictly by user and
// channel, never by connection: a user typing from two devices must still
// hold exactly one indicator and one timer.
type typingKey struct {
	userID    string
	channelID string
}

type typingEntry struct {
	username string
	timer    *time.Timer
}

// typingTracker holds the ephemeral typing indicators and their expiry
// timers. State is purely in-memory; losing it on restart is acceptable
// for advisory UI state.
type typingTracker struct {
	mu       sync.Mutex
	expiry   time.Duration
	active   map[typingKey]*typingEntry
	onExpire func(userID, username, channelID string)
}

func newTypingTracker(expiry time.Duration, onExpire func(userID, username, channelID string)) *typingTracker {
	return &typingTracker{
		expiry:   expiry,
		active:   make(map[typingKey]*typingEntry),
		onExpire: onExpire,
	}
}

// Start upserts the indicator and (re)arms its single expiry timer.
// Repeated calls reset the same timer; they never stack a second one.
// Returns true when the indicator is new.
func (t *typingTracker) Start(userID, username, channelID string) bool {
	key := typingKey{userID: userID, channelID: channelID}
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.active[key]; ok {
		entry.username = username
		entry.timer.Stop()
		entry.timer.Reset(t.expiry)
		return false
	}

	entry := &typingEntry{username: username}
	entry.timer = time.AfterFunc(t.expiry, func() {
		t.expire(key)
	})
	t.active[key] = entry
	return true
}

// Stop cancels the indicator; returns false when none was active.
func (t *typingTracker) Stop(userID, channelID string) bool {
	key := typingKey{userID: userID, channelID: channelID}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.active, key)
	return true
}

func (t *typingTracker) expire(key typingKey) {
	t.mu.Lock()
	entry, ok := t.active[key]
	if !ok {
		// Raced with an explicit stop; the stop already broadcast.
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	username := entry.username
	t.mu.Unlock()

	t.onExpire(key.userID, username, key.channelID)
}

// ActiveCount reports the number of live indicators.
func (t *typingTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// channelRoom resolves a typing signal's channel to its room id. Channel
// ids already carrying a scope ("conversation:7") pass through untouched.
func channelRoom(sig events.TypingSignal) string {
	if sig.ChannelType == "" || strings.Contains(sig.ChannelID, ":") {
		return sig.ChannelID
	}
	return sig.ChannelType + ":" + sig.ChannelID
}

func (g *Gateway) handleStartTyping(ctx context.Context, c *conn, data json.RawMessage) {
	var sig events.TypingSignal
	if err := json.Unmarshal(data, &sig); err != nil || sig.ChannelID == "" {
		c.sendError(events.CodeActionFailed, "invalid typing signal")
		return
	}
	room := channelRoom(sig)
	if !validRoomToken(room) {
		c.sendError(events.CodeActionFailed, "invalid typing channel")
		return
	}

	g.typing.Start(c.identity.UserID, c.identity.Username, room)

	payload := events.TypingPayload{
		UserID:    c.identity.UserID,
		Username:  c.identity.Username,
		ChannelID: room,
	}
	g.broadcastRoom(ctx, room, events.UserTyping, payload, c.id, true)
}

func (g *Gateway) handleStopTyping(ctx context.Context, c *conn, data json.RawMessage) {
	var sig events.TypingSignal
	if err := json.Unmarshal(data, &sig); err != nil || sig.ChannelID == "" {
		c.sendError(events.CodeActionFailed, "invalid typing signal")
		return
	}
	room := channelRoom(sig)
	if !validRoomToken(room) {
		c.sendError(events.CodeActionFailed, "invalid typing channel")
		return
	}

	if !g.typing.Stop(c.identity.UserID, room) {
		return
	}

	payload := events.TypingPayload{
		UserID:    c.identity.UserID,
		Username:  c.identity.Username,
		ChannelID: room,
	}
	g.broadcastRoom(ctx, room, events.UserStoppedTyping, payload, c.id, true)
}

// typingExpired is the tracker's timer callback: the indicator is already
// gone, announce the stop to the whole channel.
func (g *Gateway) typingExpired(userID, username, channelID string) {
	ctx := context.Background()
	payload := events.TypingPayload{
		UserID:    userID,
		Username:  username,
		ChannelID: channelID,
	}
	g.broadcastRoom(ctx, channelID, events.UserStoppedTyping, payload, "", false)
	slog.Debug("Typing indicator expired", "user", userID, "channel", channelID)
}
