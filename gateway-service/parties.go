package main

import (
	"context"
	"encoding/json"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

type partyRequest struct {
	PartyID string          `json:"partyId"`
	State   json.RawMessage `json:"state,omitempty"`
}

// handleJoinWatchParty subscribes the connection to a party room and tells
// the room who arrived.
func (g *Gateway) handleJoinWatchParty(ctx context.Context, c *conn, data json.RawMessage) {
	var req partyRequest
	if err := json.Unmarshal(data, &req); err != nil || !validRoomToken(req.PartyID) {
		c.sendError(events.CodeActionFailed, "invalid watch party request")
		return
	}

	room := events.PartyRoom(req.PartyID)
	g.registry.join(c, room)

	payload := events.WatchPartyPayload{
		PartyID:  req.PartyID,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		Action:   "joined",
	}
	g.broadcastRoom(ctx, room, events.WatchPartyUpdate, payload, c.id, false)
}

func (g *Gateway) handleLeaveWatchParty(ctx context.Context, c *conn, data json.RawMessage) {
	var req partyRequest
	if err := json.Unmarshal(data, &req); err != nil || !validRoomToken(req.PartyID) {
		c.sendError(events.CodeActionFailed, "invalid watch party request")
		return
	}

	room := events.PartyRoom(req.PartyID)
	g.registry.leave(c, room)

	payload := events.WatchPartyPayload{
		PartyID:  req.PartyID,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		Action:   "left",
	}
	g.broadcastRoom(ctx, room, events.WatchPartyUpdate, payload, c.id, false)
}

// handlePartyPlayback relays play/pause/seek state from one party member to
// the rest. The sender must already be in the room; state is opaque JSON.
func (g *Gateway) handlePartyPlayback(ctx context.Context, c *conn, data json.RawMessage) {
	var req partyRequest
	if err := json.Unmarshal(data, &req); err != nil || !validRoomToken(req.PartyID) || len(req.State) == 0 {
		c.sendError(events.CodeActionFailed, "invalid playback update")
		return
	}

	room := events.PartyRoom(req.PartyID)
	if !g.registry.isMember(c, room) {
		c.sendError(events.CodeUnauthorized, "not in this watch party")
		return
	}

	payload := events.WatchPartyPayload{
		PartyID:  req.PartyID,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		Action:   "playback",
		State:    req.State,
	}
	g.broadcastRoom(ctx, room, events.WatchPartyUpdate, payload, c.id, true)
}
