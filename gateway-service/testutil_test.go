package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// startNATS runs an embedded NATS server with JetStream for the test.
func startNATS(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("Failed to create embedded NATS server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("Embedded NATS server did not become ready")
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to embedded NATS: %v", err)
	}
	t.Cleanup(nc.Close)
	return srv, nc
}

// makeKVBuckets creates the presence buckets the way main does, with a
// test-scoped TTL.
func makeKVBuckets(t *testing.T, nc *nats.Conn, connTTL time.Duration) (statusKV, connKV nats.KeyValue) {
	t.Helper()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("JetStream context: %v", err)
	}
	statusKV, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  presenceBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		t.Fatalf("Create status bucket: %v", err)
	}
	connKV, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  presenceConnBucket,
		History: 1,
		TTL:     connTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		t.Fatalf("Create conn bucket: %v", err)
	}
	return statusKV, connKV
}

// memStore is an in-memory Store for tests.
type memStore struct {
	mu           sync.Mutex
	reactions    map[string]map[string]map[string]bool // entity -> reactionType -> userId
	followers    map[string][]string
	participants map[string]map[string]bool // conversationId -> userId
	messages     map[string]events.Message
	failing      bool
}

func newMemStore() *memStore {
	return &memStore{
		reactions:    make(map[string]map[string]map[string]bool),
		followers:    make(map[string][]string),
		participants: make(map[string]map[string]bool),
		messages:     make(map[string]events.Message),
	}
}

func (m *memStore) fail(on bool) {
	m.mu.Lock()
	m.failing = on
	m.mu.Unlock()
}

var errStoreDown = errors.New("store down")

func (m *memStore) AddReaction(_ context.Context, userID, entityType, entityID, reactionType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	entity := entityType + ":" + entityID
	if m.reactions[entity] == nil {
		m.reactions[entity] = make(map[string]map[string]bool)
	}
	if m.reactions[entity][reactionType] == nil {
		m.reactions[entity][reactionType] = make(map[string]bool)
	}
	m.reactions[entity][reactionType][userID] = true
	return nil
}

func (m *memStore) RemoveReaction(_ context.Context, userID, entityType, entityID, reactionType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	entity := entityType + ":" + entityID
	if users := m.reactions[entity][reactionType]; users != nil {
		delete(users, userID)
	}
	return nil
}

func (m *memStore) ReactionCounts(_ context.Context, entityType, entityID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	counts := make(map[string]int)
	for reactionType, users := range m.reactions[entityType+":"+entityID] {
		if len(users) > 0 {
			counts[reactionType] = len(users)
		}
	}
	return counts, nil
}

func (m *memStore) GetFollowers(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	return append([]string(nil), m.followers[userID]...), nil
}

func (m *memStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return false, errStoreDown
	}
	return m.participants[conversationID][userID], nil
}

func (m *memStore) addParticipant(conversationID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participants[conversationID] == nil {
		m.participants[conversationID] = make(map[string]bool)
	}
	m.participants[conversationID][userID] = true
}

func (m *memStore) SaveMessage(_ context.Context, msg NewMessage) (events.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return events.Message{}, errStoreDown
	}
	saved := events.Message{
		ID:             "m" + time.Now().Format("150405.000000000"),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Type:           msg.Type,
		CreatedAt:      time.Now().UnixMilli(),
	}
	m.messages[saved.ID] = saved
	return saved, nil
}

func (m *memStore) MarkMessageRead(_ context.Context, messageID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return "", errStoreDown
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return "", errors.New("message not found")
	}
	return msg.ConversationID, nil
}

// stubValidator accepts "<userId>:<username>" credentials.
type stubValidator struct {
	unavailable bool
}

func (v *stubValidator) Validate(_ context.Context, credential string) (events.Identity, error) {
	if v.unavailable {
		return events.Identity{}, ErrAuthUnavailable
	}
	for i := 0; i < len(credential); i++ {
		if credential[i] == ':' {
			return events.Identity{UserID: credential[:i], Username: credential[i+1:]}, nil
		}
	}
	return events.Identity{}, errors.New("bad credential")
}

// noopNotifier discards notification jobs.
type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, any) {}

func testConfig() Config {
	return Config{
		LivenessWindow:   2 * time.Second,
		ReaperInterval:   200 * time.Millisecond,
		TypingExpiry:     300 * time.Millisecond,
		OpTimeout:        2 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30,
	}
}
