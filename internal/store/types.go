package store

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a billing tenant. Credit balance is held in minutes and
// guarded by an optimistic-concurrency version counter.
type Organization struct {
	ID            uuid.UUID
	Name          string
	CreditBalance float64
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Balance is the subset of organization state the billing ledger works with.
type Balance struct {
	Credits float64
	Version int64
}

// Agent is a configured voice agent reachable on a phone number.
type Agent struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	Name         string
	PhoneNumber  string
	SystemPrompt string
	Greeting     string
	VoiceID      string
	Tools        []string
	KnowledgeID  uuid.UUID // zero when the agent has no knowledge base
	IsActive     bool
	CreatedAt    time.Time
}

// Conversation status values. Transitions only ever leave ACTIVE; terminal
// states are immutable.
const (
	ConversationActive    = "ACTIVE"
	ConversationCompleted = "COMPLETED"
	ConversationFailed    = "FAILED"
	ConversationAbandoned = "ABANDONED"
)

// Conversation is one phone call.
type Conversation struct {
	ID            uuid.UUID
	OrgID         uuid.UUID
	AgentID       uuid.UUID
	CallSID       string
	CallerNumber  string
	Status        string
	Sentiment     *string // never populated in-process, reserved for offline analysis
	DurationSec   int
	CostMinutes   float64
	InterruptCount int
	StartedAt     time.Time
	EndedAt       *time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one utterance or tool exchange within a conversation.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Content        string
	LatencyMs      *int64 // assistant messages only: transcript-to-first-audio
	CreatedAt      time.Time
}

// Transaction types.
const (
	TransactionDebit  = "DEBIT"
	TransactionCredit = "CREDIT"
)

// Transaction is one ledger entry against an organization's balance.
type Transaction struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	ConversationID uuid.UUID
	Type           string
	Minutes        float64
	BalanceAfter   float64
	Description    string
	CreatedAt      time.Time
}

// Chunk is one retrievable knowledge-base passage.
type Chunk struct {
	ID          uuid.UUID
	KnowledgeID uuid.UUID
	Content     string
	Metadata    map[string]string
}

// KeywordHit is a full-text search result ranked by ts_rank.
type KeywordHit struct {
	Chunk
	Rank float64
}

// SemanticHit is a vector search result with cosine similarity in [0, 1].
type SemanticHit struct {
	Chunk
	Similarity float64
}

// CallReservation marks an admitted call that has not yet opened its media
// stream, so capacity and credit checks see it.
type CallReservation struct {
	CallSID        string
	OrgID          uuid.UUID
	ConversationID uuid.UUID
	CreatedAt      time.Time
}
