package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// postgresStore is the reference Store implementation backed by the same
// PostgreSQL schema the CRUD API writes to.
type postgresStore struct {
	db *sql.DB
}

func openPostgresStore(dbURL string) (*postgresStore, error) {
	db, err := otelsql.Open("postgres", dbURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Close() error { return s.db.Close() }

func (s *postgresStore) Ping() error { return s.db.Ping() }

func (s *postgresStore) AddReaction(ctx context.Context, userID, entityType, entityID, reactionType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (user_id, entity_type, entity_id, reaction_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, entity_type, entity_id, reaction_type) DO NOTHING`,
		userID, entityType, entityID, reactionType)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

func (s *postgresStore) RemoveReaction(ctx context.Context, userID, entityType, entityID, reactionType string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3 AND reaction_type = $4`,
		userID, entityType, entityID, reactionType)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

// ReactionCounts recounts from the table every time; the gateway relies on
// this being a full recomputation, never a cached delta.
func (s *postgresStore) ReactionCounts(ctx context.Context, entityType, entityID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reaction_type, COUNT(*)
		FROM reactions
		WHERE entity_type = $1 AND entity_id = $2
		GROUP BY reaction_type`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("count reactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reactionType string
		var count int
		if err := rows.Scan(&reactionType, &count); err != nil {
			return nil, fmt.Errorf("scan reaction count: %w", err)
		}
		counts[reactionType] = count
	}
	return counts, rows.Err()
}

func (s *postgresStore) GetFollowers(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT follower_id FROM follows WHERE following_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("query followers: %w", err)
	}
	defer rows.Close()

	var followers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		followers = append(followers, id)
	}
	return followers, rows.Err()
}

func (s *postgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2",
		conversationID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return count > 0, nil
}

func (s *postgresStore) SaveMessage(ctx context.Context, msg NewMessage) (events.Message, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, msg.ConversationID, msg.SenderID, msg.Content, msg.Type, now)
	if err != nil {
		return events.Message{}, fmt.Errorf("save message: %w", err)
	}
	return events.Message{
		ID:             id,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Type:           msg.Type,
		CreatedAt:      now.UnixMilli(),
	}, nil
}

func (s *postgresStore) MarkMessageRead(ctx context.Context, messageID, userID string) (string, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx,
		"SELECT conversation_id FROM messages WHERE id = $1", messageID).Scan(&conversationID)
	if err != nil {
		return "", fmt.Errorf("lookup message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID)
	if err != nil {
		return "", fmt.Errorf("mark read: %w", err)
	}
	return conversationID, nil
}
