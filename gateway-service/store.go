package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/nordeim/sparkle-gateway/pkg/events"
	"github.com/nordeim/sparkle-gateway/pkg/telemetry"
)

// NewMessage is a message awaiting durable persistence.
type NewMessage struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Type           string
}

// Store is the durable-store collaborator. The gateway never caches what
// it reads here; reaction counts in particular are always recomputed by
// the store so concurrent mutations from other processes are reflected.
type Store interface {
	AddReaction(ctx context.Context, userID, entityType, entityID, reactionType string) error
	RemoveReaction(ctx context.Context, userID, entityType, entityID, reactionType string) error
	ReactionCounts(ctx context.Context, entityType, entityID string) (map[string]int, error)

	GetFollowers(ctx context.Context, userID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	SaveMessage(ctx context.Context, msg NewMessage) (events.Message, error)
	// MarkMessageRead records the receipt and returns the conversation the
	// message belongs to, so the gateway knows which room to notify.
	MarkMessageRead(ctx context.Context, messageID, userID string) (conversationID string, err error)
}

// guardedStore wraps a Store with a circuit breaker so a dead store fails
// fast instead of stacking up handler timeouts.
type guardedStore struct {
	inner   Store
	breaker *CircuitBreaker
}

func newGuardedStore(inner Store, breaker *CircuitBreaker) *guardedStore {
	return &guardedStore{inner: inner, breaker: breaker}
}

func (s *guardedStore) call(err error) error {
	if err != nil {
		s.breaker.RecordFailure()
		return err
	}
	s.breaker.RecordSuccess()
	return nil
}

func (s *guardedStore) AddReaction(ctx context.Context, userID, entityType, entityID, reactionType string) error {
	if !s.breaker.Allow() {
		return ErrStoreUnavailable
	}
	return s.call(s.inner.AddReaction(ctx, userID, entityType, entityID, reactionType))
}

func (s *guardedStore) RemoveReaction(ctx context.Context, userID, entityType, entityID, reactionType string) error {
	if !s.breaker.Allow() {
		return ErrStoreUnavailable
	}
	return s.call(s.inner.RemoveReaction(ctx, userID, entityType, entityID, reactionType))
}

func (s *guardedStore) ReactionCounts(ctx context.Context, entityType, entityID string) (map[string]int, error) {
	if !s.breaker.Allow() {
		return nil, ErrStoreUnavailable
	}
	counts, err := s.inner.ReactionCounts(ctx, entityType, entityID)
	return counts, s.call(err)
}

func (s *guardedStore) GetFollowers(ctx context.Context, userID string) ([]string, error) {
	if !s.breaker.Allow() {
		return nil, ErrStoreUnavailable
	}
	followers, err := s.inner.GetFollowers(ctx, userID)
	return followers, s.call(err)
}

func (s *guardedStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if !s.breaker.Allow() {
		return false, ErrStoreUnavailable
	}
	ok, err := s.inner.IsParticipant(ctx, conversationID, userID)
	return ok, s.call(err)
}

func (s *guardedStore) SaveMessage(ctx context.Context, msg NewMessage) (events.Message, error) {
	if !s.breaker.Allow() {
		return events.Message{}, ErrStoreUnavailable
	}
	saved, err := s.inner.SaveMessage(ctx, msg)
	return saved, s.call(err)
}

func (s *guardedStore) MarkMessageRead(ctx context.Context, messageID, userID string) (string, error) {
	if !s.breaker.Allow() {
		return "", ErrStoreUnavailable
	}
	conversationID, err := s.inner.MarkMessageRead(ctx, messageID, userID)
	return conversationID, s.call(err)
}

// Notifier is the fire-and-forget hand-off to the background job system.
// The gateway only announces work; it never executes it inline.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload any)
}

const notificationSubject = "jobs.notification"

// NotificationJob is the envelope published to the job system.
type NotificationJob struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type natsNotifier struct {
	nc *nats.Conn
}

func newNatsNotifier(nc *nats.Conn) *natsNotifier {
	return &natsNotifier{nc: nc}
}

// Notify publishes the job and drops it on failure; notification delivery
// is best-effort and must never block or fail a gateway handler.
func (n *natsNotifier) Notify(ctx context.Context, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.WarnContext(ctx, "Failed to marshal notification payload", "kind", kind, "error", err)
		return
	}
	job, err := json.Marshal(NotificationJob{Kind: kind, Payload: data})
	if err != nil {
		return
	}
	if err := telemetry.TracedPublish(ctx, n.nc, notificationSubject, job); err != nil {
		slog.WarnContext(ctx, "Failed to publish notification job", "kind", kind, "error", err)
	}
}
