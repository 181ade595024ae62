package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// handleAddReaction writes the reaction, recounts the aggregate from the
// store and broadcasts the fresh totals to everyone watching the entity.
// The actor comes from the authenticated connection, never the payload.
func (g *Gateway) handleAddReaction(ctx context.Context, c *conn, data json.RawMessage) {
	var req events.ReactionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.EntityType == "" || req.EntityID == "" || req.ReactionType == "" ||
		!validRoomToken(req.EntityType+":"+req.EntityID) {
		c.sendError(events.CodeActionFailed, "invalid reaction request")
		return
	}
	g.applyReaction(ctx, c, req, true)
}

func (g *Gateway) handleRemoveReaction(ctx context.Context, c *conn, data json.RawMessage) {
	var req events.ReactionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.EntityType == "" || req.EntityID == "" || req.ReactionType == "" ||
		!validRoomToken(req.EntityType+":"+req.EntityID) {
		c.sendError(events.CodeActionFailed, "invalid reaction request")
		return
	}
	g.applyReaction(ctx, c, req, false)
}

func (g *Gateway) applyReaction(ctx context.Context, c *conn, req events.ReactionRequest, add bool) {
	opCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	var err error
	event := events.ReactionAdded
	if add {
		err = g.store.AddReaction(opCtx, c.identity.UserID, req.EntityType, req.EntityID, req.ReactionType)
	} else {
		event = events.ReactionRemoved
		err = g.store.RemoveReaction(opCtx, c.identity.UserID, req.EntityType, req.EntityID, req.ReactionType)
	}
	if err != nil {
		slog.WarnContext(ctx, "Reaction mutation failed",
			"user", c.identity.UserID, "entity", req.EntityType+":"+req.EntityID, "error", err)
		c.sendError(errorCode(err), "failed to update reaction")
		return
	}

	// Full recount after every mutation so clients converge on store truth
	// even if an earlier broadcast was missed.
	counts, err := g.store.ReactionCounts(opCtx, req.EntityType, req.EntityID)
	if err != nil {
		slog.WarnContext(ctx, "Reaction recount failed",
			"entity", req.EntityType+":"+req.EntityID, "error", err)
		c.sendError(errorCode(err), "failed to load reaction counts")
		return
	}

	payload := events.ReactionPayload{
		UserID:       c.identity.UserID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		ReactionType: req.ReactionType,
		Counts:       counts,
	}
	g.broadcastRoom(ctx, req.EntityType+":"+req.EntityID, event, payload, c.id, false)
}
