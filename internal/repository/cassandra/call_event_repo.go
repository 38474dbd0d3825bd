package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"chatcore-backend/internal/database"
	"chatcore-backend/internal/domain"
)

// CallEventRepository is the append-only call lifecycle log.
// Partitioned by call_id, clustered by event time.
type CallEventRepository struct {
	db *database.CassandraDB
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(db *database.CassandraDB) *CallEventRepository {
	return &CallEventRepository{db: db}
}

// Append inserts one lifecycle event
func (r *CallEventRepository) Append(ctx context.Context, event *domain.CallEvent) error {
	query := `
		INSERT INTO call_events (call_id, at, kind, actor_id, status)
		VALUES (?, ?, ?, ?, ?)
	`

	err := r.db.ExecWithContext(ctx, query,
		gocql.UUID(event.CallID),
		event.At,
		string(event.Kind),
		gocql.UUID(event.ActorID),
		string(event.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}

	return nil
}

// ListByCall returns a call's events in the order they happened
func (r *CallEventRepository) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	query := `
		SELECT call_id, at, kind, actor_id, status
		FROM call_events
		WHERE call_id = ?
		ORDER BY at ASC
		LIMIT ?
	`

	iter := r.db.QueryWithContext(ctx, query, gocql.UUID(callID), limit).Iter()

	var events []*domain.CallEvent
	var (
		rowCallID, actorID gocql.UUID
		kind, status       string
	)
	for {
		event := &domain.CallEvent{}
		if !iter.Scan(&rowCallID, &event.At, &kind, &actorID, &status) {
			break
		}
		event.CallID = uuid.UUID(rowCallID)
		event.ActorID = uuid.UUID(actorID)
		event.Kind = domain.CallEventKind(kind)
		event.Status = domain.CallStatus(status)
		events = append(events, event)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch call events: %w", err)
	}

	return events, nil
}
