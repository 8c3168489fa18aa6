package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process [Store] for tests and single-node development.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Record)}
}

// Init implements [Store].
func (s *MemoryStore) Init(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	r.Stage = StageListening
	r.Interrupts = 0
	r.Sequence = 0
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	s.sessions[rec.CallSID] = &r
	return nil
}

// SetStage implements [Store].
func (s *MemoryStore) SetStage(_ context.Context, callSID, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.sessions[callSID]; ok {
		r.Stage = stage
	}
	return nil
}

// IncrInterrupts implements [Store].
func (s *MemoryStore) IncrInterrupts(_ context.Context, callSID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[callSID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	r.Interrupts++
	return r.Interrupts, nil
}

// NextSequence implements [Store].
func (s *MemoryStore) NextSequence(_ context.Context, callSID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[callSID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	r.Sequence++
	return r.Sequence, nil
}

// Snapshot implements [Store].
func (s *MemoryStore) Snapshot(_ context.Context, callSID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[callSID]
	if !ok {
		return Record{}, ErrSessionNotFound
	}
	return *r, nil
}

// Delete implements [Store].
func (s *MemoryStore) Delete(_ context.Context, callSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callSID)
	return nil
}
