// Package ledger implements the append-only credit ledger. Every balance
// change is a transaction row; the user's balance column is a materialized
// fold over those rows and is only ever written here, inside the same
// database transaction that appends the row.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"chaptr/pkg/logging"
	"chaptr/pkg/models"
)

var ErrUserNotFound = errors.New("user not found")

// InsufficientBalanceError is returned when a debit would overdraw the
// user's balance. The ledger never allows a negative balance.
type InsufficientBalanceError struct {
	Required int
	Current  int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Current)
}

// Entry describes one balance change to apply.
type Entry struct {
	UserID           string
	Amount           int
	Type             models.TransactionType
	VideoID          *string
	PaymentReference *string
	IdempotencyKey   *string
	Metadata         models.JSONB
}

// Result is the outcome of applying an entry. Replayed is true when the
// entry's idempotency key had already been recorded and no new row was
// written.
type Result struct {
	Transaction models.CreditTransaction
	Balance     int
	Replayed    bool
}

type Ledger struct {
	db     *sql.DB
	logger logging.Logger
}

func New(db *sql.DB, logger logging.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Apply appends an entry to the ledger and updates the user's balance
// atomically. The user row is locked for the duration of the transaction
// so concurrent entries for the same user serialize. Entries carrying an
// idempotency key that was already recorded are replayed, not re-applied.
func (l *Ledger) Apply(ctx context.Context, entry Entry) (*Result, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	if entry.IdempotencyKey != nil && *entry.IdempotencyKey != "" {
		existing, err := l.findByIdempotencyKey(ctx, tx, *entry.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			balance, err := l.currentBalance(ctx, tx, entry.UserID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit ledger transaction: %w", err)
			}
			return &Result{Transaction: *existing, Balance: balance, Replayed: true}, nil
		}
	}

	var balance int
	err = tx.QueryRowContext(ctx,
		"SELECT credits_balance FROM users WHERE id = $1 FOR UPDATE",
		entry.UserID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock user row: %w", err)
	}

	if entry.Amount < 0 && balance+entry.Amount < 0 {
		return nil, &InsufficientBalanceError{Required: -entry.Amount, Current: balance}
	}

	txn := models.CreditTransaction{
		UserID:           entry.UserID,
		Amount:           entry.Amount,
		Type:             entry.Type,
		VideoID:          entry.VideoID,
		PaymentReference: entry.PaymentReference,
		IdempotencyKey:   entry.IdempotencyKey,
		Metadata:         entry.Metadata,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions (user_id, amount, transaction_type, video_id, payment_reference, idempotency_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.UserID, entry.Amount, entry.Type, entry.VideoID,
		entry.PaymentReference, entry.IdempotencyKey, entry.Metadata,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		// A concurrent apply with the same idempotency key won the insert
		// race. Surface the winner's row so the caller sees a replay.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && entry.IdempotencyKey != nil {
			return l.replayAfterConflict(ctx, entry)
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	newBalance := balance + entry.Amount
	earnedDelta, spentDelta := 0, 0
	if entry.Amount > 0 {
		earnedDelta = entry.Amount
	} else {
		spentDelta = -entry.Amount
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET credits_balance = $1,
		    total_credits_earned = total_credits_earned + $2,
		    total_credits_spent = total_credits_spent + $3,
		    updated_at = NOW()
		WHERE id = $4`,
		newBalance, earnedDelta, spentDelta, entry.UserID)
	if err != nil {
		return nil, fmt.Errorf("update user balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger transaction: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"user_id":          entry.UserID,
		"amount":           entry.Amount,
		"transaction_type": entry.Type,
		"balance":          newBalance,
	}).Info("Ledger entry applied")

	return &Result{Transaction: txn, Balance: newBalance}, nil
}

func (l *Ledger) replayAfterConflict(ctx context.Context, entry Entry) (*Result, error) {
	existing, err := l.findByIdempotencyKey(ctx, l.db, *entry.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("ledger entry conflict without winner for key %s", *entry.IdempotencyKey)
	}
	balance, err := l.currentBalance(ctx, l.db, entry.UserID)
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: *existing, Balance: balance, Replayed: true}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (l *Ledger) findByIdempotencyKey(ctx context.Context, q querier, key string) (*models.CreditTransaction, error) {
	var txn models.CreditTransaction
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, amount, transaction_type, video_id, payment_reference, idempotency_key, metadata, created_at
		FROM credit_transactions
		WHERE idempotency_key = $1`,
		key,
	).Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Type, &txn.VideoID,
		&txn.PaymentReference, &txn.IdempotencyKey, &txn.Metadata, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup ledger entry by key: %w", err)
	}
	return &txn, nil
}

func (l *Ledger) currentBalance(ctx context.Context, q querier, userID string) (int, error) {
	var balance int
	err := q.QueryRowContext(ctx, "SELECT credits_balance FROM users WHERE id = $1", userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read user balance: %w", err)
	}
	return balance, nil
}

// GetUser returns the user's current credit standing.
func (l *Ledger) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := l.db.QueryRowContext(ctx, `
		SELECT id, email, referral_code, referred_by, stripe_customer_id,
		       credits_balance, total_credits_earned, total_credits_spent,
		       created_at, updated_at
		FROM users WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Email, &user.ReferralCode, &user.ReferredBy,
		&user.StripeCustomerID, &user.CreditsBalance, &user.TotalCreditsEarned,
		&user.TotalCreditsSpent, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read user: %w", err)
	}
	return &user, nil
}

// History returns the user's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, amount, transaction_type, video_id, payment_reference, idempotency_key, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger history: %w", err)
	}
	defer rows.Close()

	var history []models.CreditTransaction
	for rows.Next() {
		var txn models.CreditTransaction
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Type, &txn.VideoID,
			&txn.PaymentReference, &txn.IdempotencyKey, &txn.Metadata, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		history = append(history, txn)
	}
	return history, rows.Err()
}
