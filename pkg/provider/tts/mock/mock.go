// Package mock provides an in-memory tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voicelinehq/voiceline/pkg/provider/tts"
)

// Provider implements tts.Provider with canned audio.
type Provider struct {
	mu       sync.Mutex
	requests []Request

	// Audio is returned for every request when Err is nil. Defaults to a
	// short non-empty payload.
	Audio []byte

	// Err, when set, is returned by Synthesize.
	Err error

	// Delay, when set, makes Synthesize block until the delay elapses or
	// ctx is cancelled. Useful for exercising abort paths.
	Delay <-chan struct{}
}

var _ tts.Provider = (*Provider)(nil)

// Request records one Synthesize call.
type Request struct {
	Text    string
	VoiceID string
}

// Synthesize records the request and returns the configured audio or error.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	p.mu.Lock()
	p.requests = append(p.requests, Request{Text: text, VoiceID: voiceID})
	p.mu.Unlock()

	if p.Delay != nil {
		select {
		case <-p.Delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	return []byte{0xff, 0x7f, 0xff, 0x7f}, nil
}

// Requests returns all recorded Synthesize calls.
func (p *Provider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}
