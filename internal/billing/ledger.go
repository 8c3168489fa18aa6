// Package billing implements the per-call credit ledger. Debits use
// optimistic concurrency against the organization's version counter: read
// the balance, attempt a conditional write, and retry on conflict. Balance
// arithmetic itself happens in SQL, so a lost race can only cost a retry,
// never a lost update.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/store"
)

// maxDebitRetries bounds how many times a debit re-reads and re-attempts
// after a version conflict.
const maxDebitRetries = 3

// ErrInsufficientCredits reports that the organization cannot cover the
// requested debit.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// ErrRetriesExhausted reports that the conditional debit kept losing races.
var ErrRetriesExhausted = errors.New("billing: debit retries exhausted")

// OrgStore is the slice of the persistence layer the ledger needs.
type OrgStore interface {
	OrgBalance(ctx context.Context, orgID uuid.UUID) (store.Balance, error)
	DebitOrg(ctx context.Context, orgID uuid.UUID, minutes float64, version int64) (store.Balance, error)
	CreditOrg(ctx context.Context, orgID uuid.UUID, minutes float64) (store.Balance, error)
	InsertTransaction(ctx context.Context, tx store.Transaction) error
	AddConversationCost(ctx context.Context, conversationID uuid.UUID, minutes float64) error
}

// Ledger debits and credits organization balances and records every movement
// as a transaction row.
type Ledger struct {
	orgs    OrgStore
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewLedger creates a Ledger. metrics may be nil in tests.
func NewLedger(orgs OrgStore, metrics *observe.Metrics, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{orgs: orgs, metrics: metrics, log: log}
}

// HasCredits reports whether the organization holds at least minutes of
// credit right now. Admission control only; the answer can be stale by the
// time the call connects, which the per-call debit loop handles.
func (l *Ledger) HasCredits(ctx context.Context, orgID uuid.UUID, minutes float64) (bool, error) {
	b, err := l.orgs.OrgBalance(ctx, orgID)
	if err != nil {
		return false, err
	}
	return b.Credits >= minutes, nil
}

// Deduct removes minutes from the organization's balance and records a DEBIT
// transaction tied to conversationID. On a version conflict it re-reads and
// retries, up to maxDebitRetries attempts total.
//
// Returns ErrInsufficientCredits without further retries when the balance
// cannot cover the debit, and ErrRetriesExhausted when every attempt lost
// its race.
func (l *Ledger) Deduct(ctx context.Context, orgID, conversationID uuid.UUID, minutes float64, description string) error {
	if minutes <= 0 {
		return fmt.Errorf("billing: deduct minutes must be positive, got %v", minutes)
	}

	var lastErr error
	for attempt := 0; attempt < maxDebitRetries; attempt++ {
		b, err := l.orgs.OrgBalance(ctx, orgID)
		if err != nil {
			return fmt.Errorf("billing: read balance: %w", err)
		}
		if b.Credits < minutes {
			l.recordDebit(ctx, 0, "insufficient")
			return ErrInsufficientCredits
		}

		after, err := l.orgs.DebitOrg(ctx, orgID, minutes, b.Version)
		switch {
		case err == nil:
			l.recordDebit(ctx, minutes, "ok")
			l.appendTransaction(ctx, store.Transaction{
				OrgID:          orgID,
				ConversationID: conversationID,
				Type:           store.TransactionDebit,
				Minutes:        minutes,
				BalanceAfter:   after.Credits,
				Description:    description,
			})
			if conversationID != uuid.Nil {
				if cerr := l.orgs.AddConversationCost(ctx, conversationID, minutes); cerr != nil {
					l.log.Warn("accumulate conversation cost failed",
						"conversation_id", conversationID, "error", cerr)
				}
			}
			return nil

		case errors.Is(err, store.ErrVersionConflict):
			lastErr = err
			continue

		case errors.Is(err, store.ErrInsufficientBalance):
			l.recordDebit(ctx, 0, "insufficient")
			return ErrInsufficientCredits

		default:
			return fmt.Errorf("billing: debit: %w", err)
		}
	}

	l.recordDebit(ctx, 0, "cas_exhausted")
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// Credit adds minutes back to the organization's balance and records a
// CREDIT transaction.
func (l *Ledger) Credit(ctx context.Context, orgID, conversationID uuid.UUID, minutes float64, description string) error {
	if minutes <= 0 {
		return fmt.Errorf("billing: credit minutes must be positive, got %v", minutes)
	}
	after, err := l.orgs.CreditOrg(ctx, orgID, minutes)
	if err != nil {
		return fmt.Errorf("billing: credit: %w", err)
	}
	l.appendTransaction(ctx, store.Transaction{
		OrgID:          orgID,
		ConversationID: conversationID,
		Type:           store.TransactionCredit,
		Minutes:        minutes,
		BalanceAfter:   after.Credits,
		Description:    description,
	})
	return nil
}

// Reconcile settles the gap between the actual call duration and what the
// in-call ticker already billed. Duration rounds up to whole minutes. A
// shortfall is debited; the ticker never overbills by design, so a negative
// gap only gets logged.
//
// Reconciliation failure is deliberately non-fatal: the call is already over
// and teardown must proceed.
func (l *Ledger) Reconcile(ctx context.Context, orgID, conversationID uuid.UUID, durationMs int64, tickerBilled float64) {
	totalMinutes := math.Ceil(float64(durationMs) / 60_000)
	gap := totalMinutes - tickerBilled

	if gap <= 0 {
		if gap < 0 {
			l.log.Warn("ticker billed more than call duration",
				"conversation_id", conversationID,
				"total_minutes", totalMinutes,
				"ticker_billed", tickerBilled)
		}
		return
	}

	err := l.Deduct(ctx, orgID, conversationID, gap, "final reconciliation")
	if err != nil {
		l.log.Error("billing reconciliation failed",
			"org_id", orgID,
			"conversation_id", conversationID,
			"gap_minutes", gap,
			"error", err)
	}
}

// appendTransaction records the ledger row; failures are logged, not
// propagated, because the balance move already happened.
func (l *Ledger) appendTransaction(ctx context.Context, tx store.Transaction) {
	if err := l.orgs.InsertTransaction(ctx, tx); err != nil {
		l.log.Error("transaction insert failed",
			"org_id", tx.OrgID, "type", tx.Type, "minutes", tx.Minutes, "error", err)
	}
}

func (l *Ledger) recordDebit(ctx context.Context, minutes float64, status string) {
	if l.metrics == nil || l.metrics.BillingDebits == nil {
		return
	}
	l.metrics.BillingDebits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Float64("minutes", minutes),
	))
}
