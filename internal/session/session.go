// Package session tracks live per-call state in a shared KV store so any
// instance (or an operator poking at Redis) can see what a call is doing
// right now. The durable record lives in Postgres; this is the ephemeral
// view.
package session

import (
	"context"
	"time"
)

// Stage values for the call turn state machine.
const (
	StageListening     = "LISTENING"
	StageThinking      = "THINKING"
	StageSpeaking      = "SPEAKING"
	StageToolExecution = "TOOL_EXECUTION"
)

// Record is a snapshot of one call's live state.
type Record struct {
	CallSID        string
	ConversationID string
	OrgID          string
	AgentID        string
	Stage          string
	Interrupts     int64
	Sequence       int64
	StartedAt      time.Time
}

// Store tracks live call state.
type Store interface {
	// Init creates the session record with stage LISTENING and zeroed
	// counters. Re-initialising an existing session overwrites it.
	Init(ctx context.Context, rec Record) error

	// SetStage updates the call's turn stage.
	SetStage(ctx context.Context, callSID, stage string) error

	// IncrInterrupts bumps the barge-in counter and returns the new total.
	IncrInterrupts(ctx context.Context, callSID string) (int64, error)

	// NextSequence returns a monotonically increasing outbound media
	// sequence number, starting at 1.
	NextSequence(ctx context.Context, callSID string) (int64, error)

	// Snapshot reads the current session record.
	Snapshot(ctx context.Context, callSID string) (Record, error)

	// Delete removes the session record.
	Delete(ctx context.Context, callSID string) error
}
