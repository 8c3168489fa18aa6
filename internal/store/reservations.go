package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrReservationNotFound reports that no reservation exists for a call SID.
var ErrReservationNotFound = errors.New("store: call reservation not found")

// ReserveCall records that a call was admitted at webhook time. The media
// stream redeems the reservation when it connects; stale rows are cleaned up
// by the status callback path.
func (s *Store) ReserveCall(ctx context.Context, r CallReservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_reservations (call_sid, org_id, conversation_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_sid) DO NOTHING`,
		r.CallSID, r.OrgID, r.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("store: reserve call: %w", err)
	}
	return nil
}

// GetReservation looks up the reservation for a call SID.
func (s *Store) GetReservation(ctx context.Context, callSID string) (*CallReservation, error) {
	var r CallReservation
	err := s.pool.QueryRow(ctx, `
		SELECT call_sid, org_id, conversation_id, created_at
		FROM call_reservations WHERE call_sid = $1`,
		callSID,
	).Scan(&r.CallSID, &r.OrgID, &r.ConversationID, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("store: get reservation: %w", err)
	}
	return &r, nil
}

// ReleaseReservation deletes the reservation for a call SID. Releasing a
// missing reservation is a no-op.
func (s *Store) ReleaseReservation(ctx context.Context, callSID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM call_reservations WHERE call_sid = $1`, callSID)
	if err != nil {
		return fmt.Errorf("store: release reservation: %w", err)
	}
	return nil
}
