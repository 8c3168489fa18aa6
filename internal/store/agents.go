package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrAgentNotFound reports that no matching active agent exists.
var ErrAgentNotFound = errors.New("store: agent not found")

const agentColumns = `id, org_id, name, phone_number, system_prompt, greeting,
	voice_id, tools, knowledge_id, is_active, created_at`

// GetAgent fetches one agent by ID, active or not.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// GetAgentByPhoneNumber resolves the active agent serving a phone number.
// Inactive agents are invisible to call routing.
func (s *Store) GetAgentByPhoneNumber(ctx context.Context, phoneNumber string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE phone_number = $1 AND is_active`, phoneNumber)
	return scanAgent(row)
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var knowledgeID *uuid.UUID
	err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.PhoneNumber, &a.SystemPrompt,
		&a.Greeting, &a.VoiceID, &a.Tools, &knowledgeID, &a.IsActive, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("store: scan agent: %w", err)
	}
	if knowledgeID != nil {
		a.KnowledgeID = *knowledgeID
	}
	return &a, nil
}
