package tts

import (
	"context"
	"log/slog"
	"sync"
)

// FillerCache holds pre-synthesised audio for short filler phrases spoken
// while a tool executes. Phrases are rendered once at startup per voice so
// the hot path never waits on a synthesis round trip.
type FillerCache struct {
	mu    sync.RWMutex
	audio map[string]map[string][]byte // voiceID -> phrase -> audio
}

// NewFillerCache creates an empty cache.
func NewFillerCache() *FillerCache {
	return &FillerCache{audio: make(map[string]map[string][]byte)}
}

// Preload synthesises every phrase for the given voice and stores the
// results. Individual failures are logged and skipped; the cache stays
// usable with whatever succeeded.
func (f *FillerCache) Preload(ctx context.Context, client *Client, voiceID string, phrases []string) {
	for _, phrase := range phrases {
		audio, err := client.GenerateAudio(ctx, phrase)
		if err != nil || len(audio) == 0 {
			slog.Warn("filler preload failed", "voice_id", voiceID, "phrase", phrase, "error", err)
			continue
		}
		f.mu.Lock()
		if f.audio[voiceID] == nil {
			f.audio[voiceID] = make(map[string][]byte)
		}
		f.audio[voiceID][phrase] = audio
		f.mu.Unlock()
	}
}

// Get returns the cached audio for (voiceID, phrase), or nil when the phrase
// has not been preloaded. Callers fall back to live synthesis on nil.
func (f *FillerCache) Get(voiceID, phrase string) []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.audio[voiceID][phrase]
}
