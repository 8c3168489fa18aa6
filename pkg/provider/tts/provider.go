// Package tts defines the text-to-speech provider contract and the per-call
// synthesis client that routes between a primary and a secondary provider.
//
// Synthesis is sentence-granular: the orchestrator hands over one sentence at
// a time and receives the complete μ-law 8 kHz audio for it. Cancellation is
// also sentence-granular — an aborted request discards whatever the provider
// produced and the next sentence simply never gets synthesised.
package tts

import (
	"context"
	"strings"
)

// SecondaryVoicePrefix marks voice IDs that route to the secondary provider.
// The prefix is stripped before the ID is passed on.
const SecondaryVoicePrefix = "el_"

// Provider synthesises one utterance of speech.
type Provider interface {
	// Synthesize renders text with the given provider-native voice ID and
	// returns μ-law 8 kHz audio. It honours ctx cancellation.
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// RouteVoice resolves a configured voice ID to (providerVoiceID, secondary).
// IDs carrying [SecondaryVoicePrefix] route to the secondary provider with
// the prefix removed; everything else routes to the primary unchanged.
func RouteVoice(voiceID string) (string, bool) {
	if rest, ok := strings.CutPrefix(voiceID, SecondaryVoicePrefix); ok {
		return rest, true
	}
	return voiceID, false
}
