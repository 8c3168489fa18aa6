// Package stt defines the streaming speech-to-text provider contract used by
// the call orchestrator.
//
// A [Stream] is a live bidirectional transcription session: the caller pushes
// raw audio frames in with [Stream.Send] and receives results through the two
// callbacks supplied at construction. The callback surface is deliberately
// narrow — the orchestrator only ever reacts to a finalised transcript or to
// the onset of speech (its sole barge-in trigger); interim results stay
// inside the provider.
package stt

import "context"

// Callbacks are the two event hooks a [Stream] fires. Both may be invoked
// from the provider's internal read goroutine; implementations of the hooks
// must not block for long.
type Callbacks struct {
	// OnFinalTranscript fires once per finalised utterance with the full
	// transcript text. Interim (non-final) results never reach this hook.
	OnFinalTranscript func(text string)

	// OnSpeechStarted fires when the provider's voice-activity detection
	// reports the user has begun speaking. This is the only barge-in
	// trigger in the system.
	OnSpeechStarted func()
}

// StreamConfig holds the audio and endpointing parameters for a session.
type StreamConfig struct {
	// Encoding is the audio codec of frames passed to Send (e.g., "mulaw").
	Encoding string

	// SampleRate is the audio sample rate in Hz (e.g., 8000 for telephony).
	SampleRate int

	// EndpointingMs is the silence duration after which the provider
	// finalises a transcript.
	EndpointingMs int

	// UtteranceEndMs is the hard VAD utterance-end threshold.
	UtteranceEndMs int

	// Language is the BCP-47 language code for recognition.
	Language string
}

// Stream is a live transcription session.
type Stream interface {
	// Send forwards one audio frame to the provider. It must not block on
	// network I/O; frames sent before the connection is established are
	// dropped. Send returns an error only after an intentional Close.
	Send(frame []byte) error

	// Close terminates the session intentionally and suppresses any
	// reconnection. Safe to call multiple times.
	Close() error
}

// Provider opens streaming transcription sessions.
type Provider interface {
	// StartStream opens a session with the given config and callbacks.
	// The returned Stream is ready to accept frames; connection setup may
	// complete asynchronously.
	StartStream(ctx context.Context, cfg StreamConfig, cb Callbacks) (Stream, error)
}
