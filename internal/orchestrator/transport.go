package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/voicelinehq/voiceline/internal/generator"
)

// ClosePolicyViolation is the WebSocket close code used for rejected and
// force-ended calls (1008).
const ClosePolicyViolation = 1008

// Close reasons sent with ClosePolicyViolation.
const (
	ReasonInsufficientBalance = "Insufficient balance"
	ReasonGhostTimeout        = "Ghost call timeout"
)

// Transport is the outbound half of the media stream connection. The server
// layer implements it over the Twilio WebSocket; tests implement it in
// memory.
type Transport interface {
	// SendMedia sends one outbound audio frame. payload is base64-encoded
	// μ-law 8 kHz audio.
	SendMedia(payload string) error

	// SendClear tells the telephony side to drop its buffered outbound
	// audio immediately. Used on barge-in.
	SendClear() error

	// Close ends the connection with a close code and reason. Safe to call
	// multiple times.
	Close(code int, reason string) error
}

// Generator produces assistant turns sentence by sentence.
type Generator interface {
	Generate(ctx context.Context, req generator.TurnRequest, cb generator.Callbacks) (string, error)
}

// Retriever returns a prompt-ready context block for a query.
type Retriever interface {
	Retrieve(ctx context.Context, knowledgeID uuid.UUID, query string) (string, error)
}

// Synthesizer renders sentences as μ-law audio with barge-in cancellation.
// *tts.Client satisfies this.
type Synthesizer interface {
	GenerateAudio(ctx context.Context, text string) ([]byte, error)
	Abort()
}

// STTStream is the inbound transcription session. stt.Stream satisfies this.
type STTStream interface {
	Send(frame []byte) error
	Close() error
}

// ConversationStore is the slice of persistence the call lifecycle needs.
type ConversationStore interface {
	InsertMessage(ctx context.Context, conversationID uuid.UUID, role, content string, latencyMs *int64) error
	FinishConversation(ctx context.Context, id uuid.UUID, status string, durationSec, interrupts int) error
	ReleaseReservation(ctx context.Context, callSID string) error
}

// Biller is the slice of the billing ledger the call lifecycle needs.
type Biller interface {
	Deduct(ctx context.Context, orgID, conversationID uuid.UUID, minutes float64, description string) error
	Reconcile(ctx context.Context, orgID, conversationID uuid.UUID, durationMs int64, tickerBilled float64)
}
