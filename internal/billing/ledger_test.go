package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/voicelinehq/voiceline/internal/billing"
	"github.com/voicelinehq/voiceline/internal/store"
)

// fakeOrgStore simulates the organizations table with optimistic versioning.
// conflictsBeforeSuccess injects version conflicts to exercise the retry loop.
type fakeOrgStore struct {
	mu      sync.Mutex
	credits float64
	version int64

	conflictsBeforeSuccess int
	transactions           []store.Transaction
	conversationCost       map[uuid.UUID]float64
}

func newFakeOrgStore(credits float64) *fakeOrgStore {
	return &fakeOrgStore{credits: credits, conversationCost: map[uuid.UUID]float64{}}
}

func (f *fakeOrgStore) OrgBalance(context.Context, uuid.UUID) (store.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.Balance{Credits: f.credits, Version: f.version}, nil
}

func (f *fakeOrgStore) DebitOrg(_ context.Context, _ uuid.UUID, minutes float64, version int64) (store.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conflictsBeforeSuccess > 0 {
		f.conflictsBeforeSuccess--
		f.version++ // someone else won the race
		return store.Balance{}, store.ErrVersionConflict
	}
	if version != f.version {
		return store.Balance{}, store.ErrVersionConflict
	}
	if f.credits < minutes {
		return store.Balance{}, store.ErrInsufficientBalance
	}
	f.credits -= minutes
	f.version++
	return store.Balance{Credits: f.credits, Version: f.version}, nil
}

func (f *fakeOrgStore) CreditOrg(_ context.Context, _ uuid.UUID, minutes float64) (store.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits += minutes
	f.version++
	return store.Balance{Credits: f.credits, Version: f.version}, nil
}

func (f *fakeOrgStore) InsertTransaction(_ context.Context, tx store.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, tx)
	return nil
}

func (f *fakeOrgStore) AddConversationCost(_ context.Context, id uuid.UUID, minutes float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversationCost[id] += minutes
	return nil
}

func TestDeduct_Success(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(10)
	l := billing.NewLedger(orgs, nil, nil)
	orgID, convID := uuid.New(), uuid.New()

	if err := l.Deduct(context.Background(), orgID, convID, 0.5, "usage tick"); err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	if orgs.credits != 9.5 {
		t.Errorf("credits: want 9.5, got %v", orgs.credits)
	}
	if len(orgs.transactions) != 1 {
		t.Fatalf("transactions: want 1, got %d", len(orgs.transactions))
	}
	tx := orgs.transactions[0]
	if tx.Type != store.TransactionDebit || tx.Minutes != 0.5 || tx.BalanceAfter != 9.5 {
		t.Errorf("transaction: %+v", tx)
	}
	if orgs.conversationCost[convID] != 0.5 {
		t.Errorf("conversation cost: want 0.5, got %v", orgs.conversationCost[convID])
	}
}

func TestDeduct_RetriesThroughConflicts(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(10)
	orgs.conflictsBeforeSuccess = 2
	l := billing.NewLedger(orgs, nil, nil)

	if err := l.Deduct(context.Background(), uuid.New(), uuid.New(), 1, "tick"); err != nil {
		t.Fatalf("Deduct should survive two conflicts: %v", err)
	}
	if orgs.credits != 9 {
		t.Errorf("credits: want 9, got %v", orgs.credits)
	}
}

func TestDeduct_RetriesExhausted(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(10)
	orgs.conflictsBeforeSuccess = 10
	l := billing.NewLedger(orgs, nil, nil)

	err := l.Deduct(context.Background(), uuid.New(), uuid.New(), 1, "tick")
	if !errors.Is(err, billing.ErrRetriesExhausted) {
		t.Fatalf("want ErrRetriesExhausted, got %v", err)
	}
	if orgs.credits != 10 {
		t.Errorf("credits should be untouched, got %v", orgs.credits)
	}
}

func TestDeduct_InsufficientIsNotRetried(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(0.2)
	l := billing.NewLedger(orgs, nil, nil)

	err := l.Deduct(context.Background(), uuid.New(), uuid.New(), 0.5, "tick")
	if !errors.Is(err, billing.ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits, got %v", err)
	}
	if len(orgs.transactions) != 0 {
		t.Errorf("no transaction should be recorded, got %d", len(orgs.transactions))
	}
}

func TestDeduct_RejectsNonPositive(t *testing.T) {
	t.Parallel()

	l := billing.NewLedger(newFakeOrgStore(10), nil, nil)
	if err := l.Deduct(context.Background(), uuid.New(), uuid.New(), 0, "tick"); err == nil {
		t.Error("expected error for zero minutes")
	}
	if err := l.Deduct(context.Background(), uuid.New(), uuid.New(), -1, "tick"); err == nil {
		t.Error("expected error for negative minutes")
	}
}

func TestCredit(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(1)
	l := billing.NewLedger(orgs, nil, nil)

	if err := l.Credit(context.Background(), uuid.New(), uuid.Nil, 5, "top-up"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if orgs.credits != 6 {
		t.Errorf("credits: want 6, got %v", orgs.credits)
	}
	if len(orgs.transactions) != 1 || orgs.transactions[0].Type != store.TransactionCredit {
		t.Errorf("transactions: %+v", orgs.transactions)
	}
}

func TestReconcile_BillsTheGap(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(10)
	l := billing.NewLedger(orgs, nil, nil)

	// 2m30s call: ceil → 3 minutes. Ticker billed 2.5.
	l.Reconcile(context.Background(), uuid.New(), uuid.New(), 150_000, 2.5)

	if orgs.credits != 9.5 {
		t.Errorf("credits: want 9.5, got %v", orgs.credits)
	}
}

func TestReconcile_NoGapNoDebit(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(10)
	l := billing.NewLedger(orgs, nil, nil)

	// Exactly 2 minutes, ticker already billed 2.
	l.Reconcile(context.Background(), uuid.New(), uuid.New(), 120_000, 2)

	if orgs.credits != 10 {
		t.Errorf("credits should be untouched, got %v", orgs.credits)
	}
	if len(orgs.transactions) != 0 {
		t.Errorf("no transaction expected, got %d", len(orgs.transactions))
	}
}

func TestReconcile_OverbilledOnlyLogs(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(10)
	l := billing.NewLedger(orgs, nil, nil)

	l.Reconcile(context.Background(), uuid.New(), uuid.New(), 30_000, 2)

	if orgs.credits != 10 {
		t.Errorf("credits should be untouched, got %v", orgs.credits)
	}
}

func TestHasCredits(t *testing.T) {
	t.Parallel()

	orgs := newFakeOrgStore(1)
	l := billing.NewLedger(orgs, nil, nil)

	ok, err := l.HasCredits(context.Background(), uuid.New(), 1)
	if err != nil || !ok {
		t.Errorf("HasCredits(1): ok=%v err=%v", ok, err)
	}
	ok, err = l.HasCredits(context.Background(), uuid.New(), 1.5)
	if err != nil || ok {
		t.Errorf("HasCredits(1.5): ok=%v err=%v", ok, err)
	}
}
