package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// handleSendMessage persists a direct message and fans it out to the
// conversation room. Only participants may send; the membership check runs
// before any write.
func (g *Gateway) handleSendMessage(ctx context.Context, c *conn, data json.RawMessage) {
	var req events.SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil || !validRoomToken(req.ConversationID) || req.Content == "" {
		c.sendError(events.CodeActionFailed, "invalid message")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	ok, err := g.store.IsParticipant(opCtx, req.ConversationID, c.identity.UserID)
	if err != nil {
		c.sendError(errorCode(err), "failed to verify conversation membership")
		return
	}
	if !ok {
		c.sendError(events.CodeUnauthorized, "not a participant of this conversation")
		return
	}

	msg, err := g.store.SaveMessage(opCtx, NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       c.identity.UserID,
		SenderName:     c.identity.Username,
		Content:        req.Content,
		Type:           req.Type,
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to persist message",
			"conversation", req.ConversationID, "sender", c.identity.UserID, "error", err)
		c.sendError(errorCode(err), "failed to send message")
		return
	}

	g.broadcastRoom(ctx, events.ConversationRoom(req.ConversationID), events.MessageReceived, msg, c.id, false)

	// Push notification dispatch is fire-and-forget; delivery to connected
	// clients already happened above.
	g.notifier.Notify(ctx, "message", msg)
}

// handleMarkRead records a read receipt and tells the conversation who read
// what.
func (g *Gateway) handleMarkRead(ctx context.Context, c *conn, data json.RawMessage) {
	var req events.MarkReadRequest
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID == "" {
		c.sendError(events.CodeActionFailed, "invalid read receipt")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	conversationID, err := g.store.MarkMessageRead(opCtx, req.MessageID, c.identity.UserID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to record read receipt",
			"message", req.MessageID, "user", c.identity.UserID, "error", err)
		c.sendError(errorCode(err), "failed to mark message read")
		return
	}

	payload := events.MessageReadPayload{MessageID: req.MessageID, ReadBy: c.identity.UserID}
	g.broadcastRoom(ctx, events.ConversationRoom(conversationID), events.MessageRead, payload, c.id, false)
}
