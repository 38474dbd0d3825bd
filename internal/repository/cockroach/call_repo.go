package cockroach

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatcore-backend/internal/domain"
	apperrors "chatcore-backend/pkg/errors"
)

// CallRepository stores call history. A call row keeps the lifecycle fields;
// call_participants keeps one row per participant with its media flags.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// CreateCall records a new call and its participants. Rows that already
// exist are left alone.
func (r *CallRepository) CreateCall(ctx context.Context, call *domain.CallSession) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO calls (
				call_id, conversation_id, initiator_id, call_type, status, is_group,
				created_at, started_at, ended_at, duration_seconds
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (call_id) DO NOTHING
		`,
			call.CallID,
			call.ConversationID,
			call.InitiatorID,
			call.CallType,
			call.Status,
			call.IsGroup(),
			call.CreatedAt,
			call.StartedAt,
			call.EndedAt,
			call.DurationSeconds,
		)
		if err != nil {
			return err
		}
		return writeParticipants(ctx, tx, call, false)
	})
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// UpdateCall stores the snapshot's lifecycle fields and participant rows if
// the stored status is still from. A call that was never stored is inserted.
// Returns InvalidStateError when another writer changed the status first.
func (r *CallRepository) UpdateCall(ctx context.Context, call *domain.CallSession, from domain.CallStatus) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO calls (
				call_id, conversation_id, initiator_id, call_type, status, is_group,
				created_at, started_at, ended_at, duration_seconds
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (call_id) DO UPDATE
			SET status = excluded.status,
			    started_at = excluded.started_at,
			    ended_at = excluded.ended_at,
			    duration_seconds = excluded.duration_seconds
			WHERE calls.status = $11
		`,
			call.CallID,
			call.ConversationID,
			call.InitiatorID,
			call.CallType,
			call.Status,
			call.IsGroup(),
			call.CreatedAt,
			call.StartedAt,
			call.EndedAt,
			call.DurationSeconds,
			from,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperrors.InvalidStateError(fmt.Sprintf("call is no longer %s", from))
		}
		return writeParticipants(ctx, tx, call, true)
	})
	if apperrors.IsInvalidState(err) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	return nil
}

// writeParticipants inserts missing participant rows. With overwrite the
// join and decline flags of existing rows are replaced; media flags are only
// changed by UpdateParticipantMedia.
func writeParticipants(ctx context.Context, tx pgx.Tx, call *domain.CallSession, overwrite bool) error {
	conflict := `DO NOTHING`
	if overwrite {
		conflict = `DO UPDATE
			SET joined = excluded.joined,
			    declined = excluded.declined,
			    joined_at = excluded.joined_at`
	}
	batch := &pgx.Batch{}
	for position, id := range call.ParticipantIDs() {
		p := call.Participants[id]
		batch.Queue(`
			INSERT INTO call_participants (
				call_id, user_id, position, muted, video_off, joined, declined, joined_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (call_id, user_id) `+conflict,
			call.CallID, id, position, p.Muted, p.VideoOff, p.Joined, p.Declined, p.JoinedAt)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// UpdateParticipantMedia updates participant's media state
func (r *CallRepository) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, muted, videoOff bool) error {
	query := `
		UPDATE call_participants
		SET muted = $3, video_off = $4
		WHERE call_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, muted, videoOff)
	if err != nil {
		return fmt.Errorf("failed to update participant media: %w", err)
	}

	return nil
}

type callRow struct {
	call    *domain.CallSession
	isGroup bool
}

const callColumns = `c.call_id, c.conversation_id, c.initiator_id, c.call_type, c.status,
	c.is_group, c.created_at, c.started_at, c.ended_at, c.duration_seconds`

func scanCall(row pgx.Row) (*callRow, error) {
	c := &domain.CallSession{}
	var isGroup bool
	err := row.Scan(
		&c.CallID,
		&c.ConversationID,
		&c.InitiatorID,
		&c.CallType,
		&c.Status,
		&isGroup,
		&c.CreatedAt,
		&c.StartedAt,
		&c.EndedAt,
		&c.DurationSeconds,
	)
	if err != nil {
		return nil, err
	}
	return &callRow{call: c, isGroup: isGroup}, nil
}

// GetCall loads a call with its participants
func (r *CallRepository) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	row, err := scanCall(r.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls c WHERE c.call_id = $1`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	calls := map[uuid.UUID]*callRow{callID: row}
	if err := r.loadParticipants(ctx, calls); err != nil {
		return nil, err
	}
	return row.call, nil
}

// GetUserCalls retrieves the calls a user took part in, most recent first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var ordered []*callRow
	byID := make(map[uuid.UUID]*callRow)
	for rows.Next() {
		row, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		ordered = append(ordered, row)
		byID[row.call.CallID] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	rows.Close()

	if err := r.loadParticipants(ctx, byID); err != nil {
		return nil, err
	}

	calls := make([]*domain.CallSession, 0, len(ordered))
	for _, row := range ordered {
		calls = append(calls, row.call)
	}
	return calls, nil
}

// loadParticipants fills participants and rebuilds each call's target from
// the stored invitee order
func (r *CallRepository) loadParticipants(ctx context.Context, calls map[uuid.UUID]*callRow) error {
	if len(calls) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(calls))
	for id := range calls {
		ids = append(ids, id)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT call_id, user_id, position, muted, video_off, joined, declined, joined_at
		FROM call_participants
		WHERE call_id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	type invitee struct {
		id       uuid.UUID
		position int
	}
	invitees := make(map[uuid.UUID][]invitee)

	for rows.Next() {
		var (
			callID   uuid.UUID
			position int
			joinedAt *time.Time
		)
		p := &domain.ParticipantMedia{}
		if err := rows.Scan(&callID, &p.UserID, &position, &p.Muted, &p.VideoOff, &p.Joined, &p.Declined, &joinedAt); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		p.JoinedAt = joinedAt

		row := calls[callID]
		if row.call.Participants == nil {
			row.call.Participants = make(map[uuid.UUID]*domain.ParticipantMedia)
		}
		row.call.Participants[p.UserID] = p
		if p.UserID != row.call.InitiatorID {
			invitees[callID] = append(invitees[callID], invitee{id: p.UserID, position: position})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate participants: %w", err)
	}

	for callID, row := range calls {
		list := invitees[callID]
		sort.Slice(list, func(i, j int) bool { return list[i].position < list[j].position })
		memberIDs := make([]uuid.UUID, len(list))
		for i, inv := range list {
			memberIDs[i] = inv.id
		}
		if row.isGroup || len(memberIDs) != 1 {
			row.call.Target = domain.Group{MemberIDs: memberIDs}
		} else {
			row.call.Target = domain.OneToOne{UserID: memberIDs[0]}
		}
		if row.call.Participants == nil {
			row.call.Participants = make(map[uuid.UUID]*domain.ParticipantMedia)
		}
	}
	return nil
}
