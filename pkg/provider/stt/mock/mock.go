// Package mock provides an in-memory stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voicelinehq/voiceline/pkg/provider/stt"
)

// Provider implements stt.Provider. Streams it opens can be driven from the
// test with [Stream.EmitFinal] and [Stream.EmitSpeechStarted].
type Provider struct {
	mu      sync.Mutex
	streams []*Stream

	// StartErr, when set, is returned by StartStream.
	StartErr error
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records a new mock stream and returns it.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig, cb stt.Callbacks) (stt.Stream, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Stream{cfg: cfg, cb: cb}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

// Streams returns all streams opened so far.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// Stream is a controllable mock transcription session.
type Stream struct {
	cfg stt.StreamConfig
	cb  stt.Callbacks

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

var _ stt.Stream = (*Stream)(nil)

// Send records the frame.
func (s *Stream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

// Close marks the stream closed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FrameCount returns the number of frames sent.
func (s *Stream) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Config returns the StreamConfig the stream was opened with.
func (s *Stream) Config() stt.StreamConfig { return s.cfg }

// EmitFinal invokes the OnFinalTranscript callback with text.
func (s *Stream) EmitFinal(text string) {
	if s.cb.OnFinalTranscript != nil {
		s.cb.OnFinalTranscript(text)
	}
}

// EmitSpeechStarted invokes the OnSpeechStarted callback.
func (s *Stream) EmitSpeechStarted() {
	if s.cb.OnSpeechStarted != nil {
		s.cb.OnSpeechStarted()
	}
}
