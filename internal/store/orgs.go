package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrVersionConflict reports that a conditional balance update lost the race:
// the organization row's version moved between read and write.
var ErrVersionConflict = errors.New("store: organization version conflict")

// ErrInsufficientBalance reports that the conditional debit would have taken
// the balance negative.
var ErrInsufficientBalance = errors.New("store: insufficient balance")

// OrgBalance reads the organization's current credit balance and version.
func (s *Store) OrgBalance(ctx context.Context, orgID uuid.UUID) (Balance, error) {
	var b Balance
	err := s.pool.QueryRow(ctx,
		`SELECT credit_balance, version FROM organizations WHERE id = $1`,
		orgID,
	).Scan(&b.Credits, &b.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, fmt.Errorf("store: organization %s not found", orgID)
		}
		return Balance{}, fmt.Errorf("store: read balance: %w", err)
	}
	return b, nil
}

// DebitOrg atomically subtracts minutes from the organization's balance,
// conditional on the version observed at read time. The balance arithmetic
// happens in SQL so concurrent writers can never lose an update.
//
// Returns the new balance on success, [ErrVersionConflict] when another
// writer moved the version first, and [ErrInsufficientBalance] when the row
// matched on version but lacked funds.
func (s *Store) DebitOrg(ctx context.Context, orgID uuid.UUID, minutes float64, version int64) (Balance, error) {
	var b Balance
	err := s.pool.QueryRow(ctx, `
		UPDATE organizations
		SET credit_balance = credit_balance - $2,
		    version        = version + 1,
		    updated_at     = now()
		WHERE id = $1 AND version = $3 AND credit_balance >= $2
		RETURNING credit_balance, version`,
		orgID, minutes, version,
	).Scan(&b.Credits, &b.Version)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, fmt.Errorf("store: debit: %w", err)
	}

	// The conditional update matched nothing. Distinguish a lost race from
	// genuine lack of funds by re-reading the row.
	cur, rerr := s.OrgBalance(ctx, orgID)
	if rerr != nil {
		return Balance{}, rerr
	}
	if cur.Version != version {
		return Balance{}, ErrVersionConflict
	}
	return Balance{}, ErrInsufficientBalance
}

// CreditOrg atomically adds minutes to the organization's balance. Credits
// never race with anything meaningfully, so no version condition applies.
func (s *Store) CreditOrg(ctx context.Context, orgID uuid.UUID, minutes float64) (Balance, error) {
	var b Balance
	err := s.pool.QueryRow(ctx, `
		UPDATE organizations
		SET credit_balance = credit_balance + $2,
		    version        = version + 1,
		    updated_at     = now()
		WHERE id = $1
		RETURNING credit_balance, version`,
		orgID, minutes,
	).Scan(&b.Credits, &b.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, fmt.Errorf("store: organization %s not found", orgID)
		}
		return Balance{}, fmt.Errorf("store: credit: %w", err)
	}
	return b, nil
}

// InsertTransaction appends one ledger entry. conversationID may be the zero
// UUID for entries not tied to a call.
func (s *Store) InsertTransaction(ctx context.Context, tx Transaction) error {
	var convID any
	if tx.ConversationID != uuid.Nil {
		convID = tx.ConversationID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (org_id, conversation_id, type, minutes, balance_after, description)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tx.OrgID, convID, tx.Type, tx.Minutes, tx.BalanceAfter, tx.Description,
	)
	if err != nil {
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	return nil
}
