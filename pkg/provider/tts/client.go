package tts

import (
	"context"
	"fmt"
	"sync"
)

// Client is a per-call synthesis front end. It routes each request to the
// primary or secondary [Provider] based on the call's voice ID and supports
// barge-in style cancellation: Abort cancels every in-flight request, and an
// aborted GenerateAudio returns (nil, nil) so the caller can distinguish
// interruption from failure.
type Client struct {
	voiceID   string
	primary   Provider
	secondary Provider

	mu      sync.Mutex
	nextReq uint64
	cancels map[uint64]context.CancelFunc
}

// NewClient creates a synthesis client for one call. secondary may be nil
// when no secondary provider is configured; requests routed to it then fail.
func NewClient(voiceID string, primary, secondary Provider) *Client {
	return &Client{
		voiceID:   voiceID,
		primary:   primary,
		secondary: secondary,
		cancels:   make(map[uint64]context.CancelFunc),
	}
}

// GenerateAudio synthesises one sentence. Requests may overlap, greeting
// playback against the first turn being the usual case, and each is tracked
// independently until it completes or is aborted.
//
// Returns (nil, nil) when the request was cut short by [Client.Abort].
func (c *Client) GenerateAudio(ctx context.Context, text string) ([]byte, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.nextReq++
	id := c.nextReq
	c.cancels[id] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
	}()

	voiceID, useSecondary := RouteVoice(c.voiceID)
	provider := c.primary
	if useSecondary {
		if c.secondary == nil {
			return nil, fmt.Errorf("tts: voice %q requires a secondary provider, none configured", c.voiceID)
		}
		provider = c.secondary
	}

	audio, err := provider.Synthesize(reqCtx, text, voiceID)
	if err != nil {
		if reqCtx.Err() == context.Canceled && ctx.Err() == nil {
			// Aborted mid-synthesis, not failed.
			return nil, nil
		}
		return nil, fmt.Errorf("tts: synthesize: %w", err)
	}
	return audio, nil
}

// Abort cancels every in-flight synthesis request. A barge-in must silence
// all pending audio, not just the latest sentence. Subsequent requests are
// unaffected. Safe to call concurrently with GenerateAudio and when nothing
// is in flight.
func (c *Client) Abort() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for id, cancel := range c.cancels {
		cancels = append(cancels, cancel)
		delete(c.cancels, id)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
