package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConversationRepository reads conversation membership. Conversations are
// owned by the chat service; this side never writes them.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new ConversationRepository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetMembers retrieves all participants in a conversation, oldest first.
// An unknown conversation has no members.
func (r *ConversationRepository) GetMembers(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	members, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	return members, nil
}

// IsMember checks if a user is a participant in a conversation
func (r *ConversationRepository) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}

	return exists, nil
}
