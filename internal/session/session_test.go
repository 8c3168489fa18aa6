package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voicelinehq/voiceline/internal/session"
)

func TestMemoryStore_InitResetsCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := session.NewMemoryStore()

	if err := s.Init(ctx, session.Record{CallSID: "CA1", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := s.IncrInterrupts(ctx, "CA1"); err != nil {
		t.Fatalf("IncrInterrupts: %v", err)
	}
	if _, err := s.NextSequence(ctx, "CA1"); err != nil {
		t.Fatalf("NextSequence: %v", err)
	}

	// Re-init overwrites.
	if err := s.Init(ctx, session.Record{CallSID: "CA1", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	rec, err := s.Snapshot(ctx, "CA1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rec.Stage != session.StageListening {
		t.Errorf("stage: want LISTENING, got %q", rec.Stage)
	}
	if rec.Interrupts != 0 || rec.Sequence != 0 {
		t.Errorf("counters not reset: %+v", rec)
	}
}

func TestMemoryStore_SequenceMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := session.NewMemoryStore()
	s.Init(ctx, session.Record{CallSID: "CA2"})

	for want := int64(1); want <= 5; want++ {
		got, err := s.NextSequence(ctx, "CA2")
		if err != nil {
			t.Fatalf("NextSequence: %v", err)
		}
		if got != want {
			t.Fatalf("sequence: want %d, got %d", want, got)
		}
	}
}

func TestMemoryStore_StageAndInterrupts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := session.NewMemoryStore()
	s.Init(ctx, session.Record{CallSID: "CA3"})

	if err := s.SetStage(ctx, "CA3", session.StageSpeaking); err != nil {
		t.Fatalf("SetStage: %v", err)
	}
	n, err := s.IncrInterrupts(ctx, "CA3")
	if err != nil || n != 1 {
		t.Fatalf("IncrInterrupts: n=%d err=%v", n, err)
	}

	rec, _ := s.Snapshot(ctx, "CA3")
	if rec.Stage != session.StageSpeaking || rec.Interrupts != 1 {
		t.Errorf("snapshot: %+v", rec)
	}
}

func TestMemoryStore_MissingSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := session.NewMemoryStore()

	if _, err := s.Snapshot(ctx, "nope"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Snapshot: want ErrSessionNotFound, got %v", err)
	}
	if _, err := s.IncrInterrupts(ctx, "nope"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("IncrInterrupts: want ErrSessionNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "nope"); err != nil {
		t.Errorf("Delete of missing session should be a no-op, got %v", err)
	}
}
