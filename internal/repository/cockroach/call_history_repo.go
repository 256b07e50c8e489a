package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"callbridge-backend/internal/domain"
)

// CallHistoryRepository persists terminal call snapshots. It is the handoff
// point to the call-history collaborator: terminal calls are written here
// immediately before eviction from the active store.
type CallHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewCallHistoryRepository creates a new call history repository
func NewCallHistoryRepository(pool *pgxpool.Pool) *CallHistoryRepository {
	return &CallHistoryRepository{pool: pool}
}

// SaveTerminal writes the final call snapshot plus one row per participant
func (r *CallHistoryRepository) SaveTerminal(ctx context.Context, call *domain.Call) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO calls (
			call_id, conversation_id, caller_id, room_id, call_type, status,
			created_at, started_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_id) DO UPDATE
		SET status = EXCLUDED.status,
		    ended_at = EXCLUDED.ended_at,
		    duration = EXCLUDED.duration
	`

	_, err = tx.Exec(ctx, query,
		call.ID,
		call.ConversationID,
		call.CallerID,
		call.RoomID,
		call.Type,
		call.Status,
		call.CreatedAt,
		call.StartedAt,
		call.EndedAt,
		call.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to save call snapshot: %w", err)
	}

	for _, p := range call.Participants {
		pq := `
			INSERT INTO call_participants (
				call_id, user_id, role, status, joined_at, left_at,
				is_muted, is_video_enabled, is_screen_sharing
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (call_id, user_id) DO UPDATE
			SET status = EXCLUDED.status,
			    left_at = EXCLUDED.left_at
		`
		_, err = tx.Exec(ctx, pq,
			p.CallID,
			p.UserID,
			p.Role,
			p.Status,
			p.JoinedAt,
			p.LeftAt,
			p.IsMuted,
			p.IsVideoEnabled,
			p.IsScreenSharing,
		)
		if err != nil {
			return fmt.Errorf("failed to save call participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call snapshot: %w", err)
	}
	return nil
}

// GetUserCalls retrieves persisted calls a user took part in, newest first
func (r *CallHistoryRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT DISTINCT c.call_id, c.conversation_id, c.caller_id, c.room_id,
		       c.call_type, c.status, c.created_at, c.started_at, c.ended_at, c.duration
		FROM calls c
		LEFT JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE c.caller_id = $1 OR cp.user_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call := &domain.Call{}
		err := rows.Scan(
			&call.ID,
			&call.ConversationID,
			&call.CallerID,
			&call.RoomID,
			&call.Type,
			&call.Status,
			&call.CreatedAt,
			&call.StartedAt,
			&call.EndedAt,
			&call.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, nil
}
