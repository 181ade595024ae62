package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/nordeim/sparkle-gateway/pkg/telemetry"
)

const (
	roomSubjectPrefix = "gateway.room."
	globalSubject     = "gateway.global"
)

// envelope is the backplane wire format for one broadcast.
type envelope struct {
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Origin is the originating connection id. It only matters on the
	// originating process; sibling processes have no such connection and
	// the exclusion is a no-op there.
	Origin        string `json:"origin,omitempty"`
	ExcludeOrigin bool   `json:"excludeOrigin,omitempty"`
}

// backplane bridges room broadcasts across gateway processes over NATS.
//
// Correctness rule: originating handlers NEVER deliver locally. They only
// publish here; local delivery happens exclusively in the receive
// callbacks, on every process including the publisher's own. Routing both
// paths through the backplane is what prevents duplicate delivery on the
// originating process once a second process exists.
type backplane struct {
	nc            *nats.Conn
	deliverRoom   func(ctx context.Context, env envelope)
	deliverGlobal func(ctx context.Context, env envelope)
	subs          []*nats.Subscription
}

func newBackplane(nc *nats.Conn) *backplane {
	return &backplane{nc: nc}
}

// Start subscribes to the room and global subjects. No queue group: every
// gateway process needs every broadcast to serve its own local members.
// Room ids may contain '.', which NATS reads as a token separator, so the
// room subscription uses the multi-token wildcard. Routing relies on the
// envelope's Room field, never on parsing the subject back apart.
func (b *backplane) Start() error {
	roomSub, err := b.nc.Subscribe(roomSubjectPrefix+">", func(msg *nats.Msg) {
		ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "room broadcast")
		defer span.End()

		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.WarnContext(ctx, "Invalid backplane envelope", "subject", msg.Subject, "error", err)
			return
		}
		b.deliverRoom(ctx, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s>: %w", roomSubjectPrefix, err)
	}

	globalSub, err := b.nc.Subscribe(globalSubject, func(msg *nats.Msg) {
		ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "global broadcast")
		defer span.End()

		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.WarnContext(ctx, "Invalid backplane envelope", "subject", msg.Subject, "error", err)
			return
		}
		b.deliverGlobal(ctx, env)
	})
	if err != nil {
		roomSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", globalSubject, err)
	}

	b.subs = []*nats.Subscription{roomSub, globalSub}
	return nil
}

func (b *backplane) Stop() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
}

// PublishRoom publishes one room broadcast. NATS preserves per-publisher
// order, which gives the per-room, per-origin ordering guarantee.
func (b *backplane) PublishRoom(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return telemetry.TracedPublish(ctx, b.nc, roomSubjectPrefix+env.Room, data)
}

// PublishGlobal publishes an event destined for every connected client on
// every process.
func (b *backplane) PublishGlobal(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return telemetry.TracedPublish(ctx, b.nc, globalSubject, data)
}
