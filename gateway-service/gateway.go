package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nordeim/sparkle-gateway/pkg/events"
	"github.com/nordeim/sparkle-gateway/pkg/telemetry"
)

// Gateway ties the transport, room registry, backplane, presence and
// typing trackers together behind a single websocket endpoint.
type Gateway struct {
	cfg       Config
	validator TokenValidator
	store     Store
	notifier  Notifier

	registry *registry
	bp       *backplane
	presence *presenceTracker
	typing   *typingTracker

	upgrader websocket.Upgrader
	ctx      context.Context

	dispatched    metric.Int64Counter
	published     metric.Int64Counter
	delivered     metric.Int64Counter
	handleSeconds metric.Float64Histogram
}

func NewGateway(ctx context.Context, cfg Config, validator TokenValidator, store Store, notifier Notifier, nc *nats.Conn, statusKV, connKV nats.KeyValue) *Gateway {
	meter := otel.Meter("sparkle-gateway")

	g := &Gateway{
		cfg:       cfg,
		validator: validator,
		store:     store,
		notifier:  notifier,
		registry:  newRegistry(),
		ctx:       ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin policy is enforced upstream at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.typing = newTypingTracker(cfg.TypingExpiry, g.typingExpired)

	g.bp = newBackplane(nc)
	g.bp.deliverRoom = g.deliverRoom
	g.bp.deliverGlobal = g.deliverGlobal

	g.presence = newPresenceTracker(statusKV, connKV, store, g.bp, cfg, meter)

	g.dispatched, _ = meter.Int64Counter("gateway_events_dispatched_total",
		metric.WithDescription("Client frames dispatched to handlers"))
	g.published, _ = meter.Int64Counter("gateway_broadcasts_published_total",
		metric.WithDescription("Broadcast envelopes published to the backplane"))
	g.delivered, _ = meter.Int64Counter("gateway_frames_delivered_total",
		metric.WithDescription("Frames delivered to local connections"))
	g.handleSeconds, _ = telemetry.NewDurationHistogram(meter, "gateway_handle_duration_seconds",
		"Time spent handling one client frame")

	connGauge, _ := meter.Int64ObservableGauge("gateway_connections",
		metric.WithDescription("Live websocket connections on this process"))
	roomGauge, _ := meter.Int64ObservableGauge("gateway_rooms",
		metric.WithDescription("Rooms with at least one local member"))
	typingGauge, _ := meter.Int64ObservableGauge("gateway_typing_active",
		metric.WithDescription("Active typing indicators tracked locally"))
	meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connGauge, int64(g.registry.connCount()))
		o.ObserveInt64(roomGauge, int64(g.registry.roomCount()))
		o.ObserveInt64(typingGauge, int64(g.typing.ActiveCount()))
		return nil
	}, connGauge, roomGauge, typingGauge)

	return g
}

// Start brings up the backplane subscriptions and the reaper. The
// connection KV watcher is managed by the caller so it can be restarted
// when a NATS reconnect recreates the buckets.
func (g *Gateway) Start() error {
	if err := g.bp.Start(); err != nil {
		return err
	}
	go g.presence.RunReaper(g.ctx, g.cfg.ReaperInterval)
	return nil
}

func (g *Gateway) Stop() {
	g.bp.Stop()
}

// deliverRoom hands one backplane envelope to this process's local room
// members. This is the only place room broadcasts reach connections.
func (g *Gateway) deliverRoom(ctx context.Context, env envelope) {
	frame, err := json.Marshal(events.Frame{Event: env.Event, Data: env.Payload})
	if err != nil {
		return
	}
	exclude := ""
	if env.ExcludeOrigin {
		exclude = env.Origin
	}
	n := g.registry.broadcastLocal(env.Room, frame, exclude)
	if n > 0 {
		g.delivered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event", env.Event)))
	}
}

func (g *Gateway) deliverGlobal(ctx context.Context, env envelope) {
	frame, err := json.Marshal(events.Frame{Event: env.Event, Data: env.Payload})
	if err != nil {
		return
	}
	exclude := ""
	if env.ExcludeOrigin {
		exclude = env.Origin
	}
	n := g.registry.broadcastAll(frame, exclude)
	if n > 0 {
		g.delivered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event", env.Event)))
	}
}

// broadcastRoom publishes a room broadcast to the backplane. It never
// delivers locally; delivery happens in deliverRoom when the envelope
// comes back around, on this process and every sibling.
func (g *Gateway) broadcastRoom(ctx context.Context, room, event string, payload any, origin string, excludeOrigin bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal broadcast payload", "event", event, "error", err)
		return
	}
	env := envelope{Room: room, Event: event, Payload: data, Origin: origin, ExcludeOrigin: excludeOrigin}
	if err := g.bp.PublishRoom(ctx, env); err != nil {
		slog.WarnContext(ctx, "Failed to publish room broadcast", "room", room, "event", event, "error", err)
		return
	}
	g.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// HandleWS authenticates the handshake, upgrades the transport and runs
// the connection's pumps.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	credential := credentialFromRequest(r)
	if credential == "" {
		writeHandshakeError(w, http.StatusUnauthorized, events.CodeUnauthenticated, "missing credential")
		return
	}

	authCtx, cancel := context.WithTimeout(r.Context(), g.cfg.OpTimeout)
	identity, err := g.validator.Validate(authCtx, credential)
	cancel()
	if err != nil {
		if errors.Is(err, ErrAuthUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			slog.WarnContext(r.Context(), "Auth backend unavailable during handshake", "error", err)
			writeHandshakeError(w, http.StatusServiceUnavailable, events.CodeAuthUnavailable, "authentication temporarily unavailable")
			return
		}
		writeHandshakeError(w, http.StatusUnauthorized, events.CodeUnauthenticated, "invalid credential")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "Websocket upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.NewString(), identity, ws, g)
	g.registry.join(c, events.UserRoom(identity.UserID))
	g.presence.Register(g.ctx, identity, c.id)

	slog.Info("Client connected", "conn", c.id, "user", identity.UserID)

	go c.writePump()
	c.sendEvent(events.Connected, events.ConnectedPayload{
		ConnID:   c.id,
		UserID:   identity.UserID,
		Username: identity.Username,
	})
	go c.readPump()
}

func writeHandshakeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(events.ErrorPayload{Message: message, Code: code})
}

// dispatch routes one client frame. Handlers run on the connection's read
// goroutine, so per-connection ordering is the arrival order.
func (g *Gateway) dispatch(c *conn, frame events.Frame) {
	ctx := g.ctx
	attrs := metric.WithAttributes(attribute.String("event", frame.Event))
	g.dispatched.Add(ctx, 1, attrs)
	started := time.Now()
	defer func() {
		g.handleSeconds.Record(ctx, time.Since(started).Seconds(), attrs)
	}()

	switch frame.Event {
	case events.Ping:
		var p events.PingPayload
		json.Unmarshal(frame.Data, &p)
		c.sendEvent(events.Pong, p)

	case events.Heartbeat:
		g.presence.Heartbeat(ctx, c.identity.UserID, c.id)

	case events.UpdatePresence:
		var p events.PresencePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.sendError(events.CodeActionFailed, "invalid presence update")
			return
		}
		if err := g.presence.UpdateStatus(ctx, c.identity.UserID, p.Status, p.Location); err != nil {
			c.sendError(events.CodeActionFailed, "failed to update presence")
		}

	case events.SubscribeToPost:
		if id, ok := subscribeID(c, frame.Data); ok {
			g.registry.join(c, events.PostRoom(id))
		}
	case events.UnsubscribeFromPost:
		if id, ok := subscribeID(c, frame.Data); ok {
			g.registry.leave(c, events.PostRoom(id))
		}

	case events.SubscribeToConversation:
		id, ok := subscribeID(c, frame.Data)
		if !ok {
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
		member, err := g.store.IsParticipant(opCtx, id, c.identity.UserID)
		cancel()
		if err != nil {
			c.sendError(errorCode(err), "failed to verify conversation membership")
			return
		}
		if !member {
			c.sendError(events.CodeUnauthorized, "not a participant of this conversation")
			return
		}
		g.registry.join(c, events.ConversationRoom(id))
	case events.UnsubscribeFromConversation:
		if id, ok := subscribeID(c, frame.Data); ok {
			g.registry.leave(c, events.ConversationRoom(id))
		}

	case events.StartTyping:
		g.handleStartTyping(ctx, c, frame.Data)
	case events.StopTyping:
		g.handleStopTyping(ctx, c, frame.Data)

	case events.AddReaction:
		g.handleAddReaction(ctx, c, frame.Data)
	case events.RemoveReaction:
		g.handleRemoveReaction(ctx, c, frame.Data)

	case events.SendMessage:
		g.handleSendMessage(ctx, c, frame.Data)
	case events.MarkMessageRead:
		g.handleMarkRead(ctx, c, frame.Data)

	case events.JoinWatchParty:
		g.handleJoinWatchParty(ctx, c, frame.Data)
	case events.LeaveWatchParty:
		g.handleLeaveWatchParty(ctx, c, frame.Data)
	case events.UpdateWatchParty:
		g.handlePartyPlayback(ctx, c, frame.Data)

	default:
		c.sendError(events.CodeActionFailed, "unknown event: "+frame.Event)
	}
}

func subscribeID(c *conn, data json.RawMessage) (string, bool) {
	var req events.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || !validRoomToken(req.ID) {
		c.sendError(events.CodeActionFailed, "missing or invalid subscription id")
		return "", false
	}
	return req.ID, true
}

// validRoomToken rejects client-supplied ids that cannot be embedded in a
// backplane subject: whitespace and NATS wildcards would fail the publish
// or match subjects they should not.
func validRoomToken(id string) bool {
	return id != "" && !strings.ContainsAny(id, " \t\r\n*>")
}

// onDisconnect tears down one connection's state. Runs exactly once, from
// the read pump's defer.
func (g *Gateway) onDisconnect(c *conn) {
	rooms := g.registry.dropConn(c)
	g.presence.Disconnect(g.ctx, c.identity.UserID, c.id)
	slog.Info("Client disconnected",
		"conn", c.id,
		"user", c.identity.UserID,
		"rooms", len(rooms),
		"session", time.Since(c.authenticatedAt).Round(time.Second).String())
}
