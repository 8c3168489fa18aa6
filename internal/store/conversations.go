package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrConversationNotFound reports that no matching conversation exists.
var ErrConversationNotFound = errors.New("store: conversation not found")

// CreateConversation inserts a new ACTIVE conversation and returns its ID.
func (s *Store) CreateConversation(ctx context.Context, orgID, agentID uuid.UUID, callSID, callerNumber string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (org_id, agent_id, call_sid, caller_number, status)
		VALUES ($1, $2, $3, $4, 'ACTIVE')
		RETURNING id`,
		orgID, agentID, callSID, callerNumber,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create conversation: %w", err)
	}
	return id, nil
}

// GetConversation fetches one conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, agent_id, call_sid, caller_number, status, sentiment,
		       duration_sec, cost_minutes, interrupt_count, started_at, ended_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.OrgID, &c.AgentID, &c.CallSID, &c.CallerNumber, &c.Status,
		&c.Sentiment, &c.DurationSec, &c.CostMinutes, &c.InterruptCount,
		&c.StartedAt, &c.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return &c, nil
}

// FinishConversation moves an ACTIVE conversation to the given terminal
// status and records duration and interrupt totals. Terminal states are
// immutable: finishing an already-finished conversation is a no-op, so
// status callbacks and the orchestrator's own teardown cannot fight.
func (s *Store) FinishConversation(ctx context.Context, id uuid.UUID, status string, durationSec, interrupts int) error {
	switch status {
	case ConversationCompleted, ConversationFailed, ConversationAbandoned:
	default:
		return fmt.Errorf("store: invalid terminal status %q", status)
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $2, duration_sec = $3, interrupt_count = $4, ended_at = now()
		WHERE id = $1 AND status = 'ACTIVE'`,
		id, status, durationSec, interrupts,
	)
	if err != nil {
		return fmt.Errorf("store: finish conversation: %w", err)
	}
	return nil
}

// AddConversationCost accumulates billed minutes onto the conversation.
// Arithmetic stays in SQL; ticker and reconciliation debits add up without a
// read-modify-write cycle.
func (s *Store) AddConversationCost(ctx context.Context, id uuid.UUID, minutes float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET cost_minutes = cost_minutes + $2 WHERE id = $1`,
		id, minutes,
	)
	if err != nil {
		return fmt.Errorf("store: add conversation cost: %w", err)
	}
	return nil
}

// InsertMessage appends one transcript message. latencyMs may be nil for
// roles where it does not apply.
func (s *Store) InsertMessage(ctx context.Context, conversationID uuid.UUID, role, content string, latencyMs *int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (conversation_id, role, content, latency_ms)
		VALUES ($1, $2, $3, $4)`,
		conversationID, role, content, latencyMs,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// Messages returns the conversation transcript in chronological order.
func (s *Store) Messages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, latency_ms, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.LatencyMs, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: collect messages: %w", err)
	}
	return msgs, nil
}
