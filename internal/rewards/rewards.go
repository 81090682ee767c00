// Package rewards grants credits for user actions: signing up, referring
// a friend, sharing chapters, and purchasing packages. Every grant goes
// through the ledger with an idempotency key so retries never double-pay.
package rewards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"chaptr/internal/ledger"
	"chaptr/internal/pricing"
	"chaptr/internal/reconcile"
	"chaptr/pkg/logging"
	"chaptr/pkg/models"
)

var (
	ErrEmailTaken    = errors.New("email already registered")
	ErrAlreadyPosted = errors.New("chapter comment already posted for this video")
)

// CreditLedger applies balance changes.
type CreditLedger interface {
	Apply(ctx context.Context, entry ledger.Entry) (*ledger.Result, error)
}

// InteractionStore records the share comment exactly once per user/video.
type InteractionStore interface {
	MarkCommentPosted(ctx context.Context, userID, videoID string, creditsEarned int) (bool, error)
}

// CommentCounter bumps the per-video share counter.
type CommentCounter interface {
	IncrementCommentCount(ctx context.Context, videoID string) error
}

// ReconcileQueue records grants that failed after the external side effect.
type ReconcileQueue interface {
	Enqueue(ctx context.Context, kind string, payload models.JSONB, cause error) error
}

type Service struct {
	db           *sql.DB
	creditLedger CreditLedger
	interactions InteractionStore
	comments     CommentCounter
	repairs      ReconcileQueue
	logger       logging.Logger
}

func NewService(db *sql.DB, creditLedger CreditLedger, interactions InteractionStore,
	comments CommentCounter, repairs ReconcileQueue, logger logging.Logger) *Service {
	return &Service{
		db:           db,
		creditLedger: creditLedger,
		interactions: interactions,
		comments:     comments,
		repairs:      repairs,
		logger:       logger,
	}
}

// Signup creates a user, grants the signup reward, and pays the referrer
// bonus when a valid referral code was supplied. An unknown referral code
// is ignored rather than failing the signup.
func (s *Service) Signup(ctx context.Context, email, referralCode string) (*models.User, error) {
	var referrerID *string
	if referralCode != "" {
		id, err := s.lookupReferrer(ctx, referralCode)
		if err != nil {
			return nil, err
		}
		if id == "" {
			s.logger.WithField("referral_code", referralCode).Warn("Unknown referral code on signup")
		} else {
			referrerID = &id
		}
	}

	var user models.User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, referral_code, referred_by)
		VALUES ($1, $2, $3)
		RETURNING id, email, referral_code, referred_by, credits_balance,
		          total_credits_earned, total_credits_spent, created_at, updated_at`,
		email, newReferralCode(), referrerID,
	).Scan(&user.ID, &user.Email, &user.ReferralCode, &user.ReferredBy,
		&user.CreditsBalance, &user.TotalCreditsEarned, &user.TotalCreditsSpent,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	signupKey := "signup:" + user.ID
	result, err := s.creditLedger.Apply(ctx, ledger.Entry{
		UserID:         user.ID,
		Amount:         pricing.SignupReward,
		Type:           models.TxSignup,
		IdempotencyKey: &signupKey,
	})
	if err != nil {
		// The user row is committed, so a retry of the whole signup would
		// hit the email constraint. Queue the grant and let the account in.
		s.logger.WithError(err).WithField("user_id", user.ID).Error("Failed to grant signup reward")
		if enqErr := s.repairs.Enqueue(ctx, reconcile.KindLedgerCredit, models.JSONB{
			"user_id":          user.ID,
			"amount":           pricing.SignupReward,
			"transaction_type": string(models.TxSignup),
			"idempotency_key":  signupKey,
		}, err); enqErr != nil {
			s.logger.WithError(enqErr).Error("Failed to enqueue signup reward repair")
		}
	} else {
		user.CreditsBalance = result.Balance
		user.TotalCreditsEarned = result.Balance
	}

	if referrerID != nil {
		referralKey := fmt.Sprintf("referral:%s:%s", *referrerID, user.ID)
		_, err := s.creditLedger.Apply(ctx, ledger.Entry{
			UserID:         *referrerID,
			Amount:         pricing.ReferrerBonus,
			Type:           models.TxReferral,
			IdempotencyKey: &referralKey,
			Metadata:       models.JSONB{"referred_user_id": user.ID},
		})
		if err != nil {
			// The signup already happened; repair the bonus later.
			s.logger.WithError(err).WithField("referrer_id", *referrerID).Error("Failed to grant referrer bonus")
			if enqErr := s.repairs.Enqueue(ctx, reconcile.KindLedgerCredit, models.JSONB{
				"user_id":          *referrerID,
				"amount":           pricing.ReferrerBonus,
				"transaction_type": string(models.TxReferral),
				"idempotency_key":  referralKey,
			}, err); enqErr != nil {
				s.logger.WithError(enqErr).Error("Failed to enqueue referrer bonus repair")
			}
		}
	}

	s.logger.WithFields(logging.Fields{
		"user_id":  user.ID,
		"referred": referrerID != nil,
	}).Info("User signed up")

	return &user, nil
}

func (s *Service) lookupReferrer(ctx context.Context, code string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE referral_code = $1", code).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup referral code: %w", err)
	}
	return id, nil
}

// ShareReward grants the comment reward once per user/video pair. Call it
// only after the comment was actually posted.
func (s *Service) ShareReward(ctx context.Context, userID, videoID string) (*ledger.Result, error) {
	first, err := s.interactions.MarkCommentPosted(ctx, userID, videoID, pricing.CommentReward)
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, ErrAlreadyPosted
	}

	key := fmt.Sprintf("comment:%s:%s", userID, videoID)
	result, err := s.creditLedger.Apply(ctx, ledger.Entry{
		UserID:         userID,
		Amount:         pricing.CommentReward,
		Type:           models.TxCommentPosted,
		VideoID:        &videoID,
		IdempotencyKey: &key,
	})
	if err != nil {
		// The comment is already on the video and the interaction row is
		// marked, so a retry would see AlreadyPosted. Queue the grant.
		s.logger.WithError(err).WithFields(logging.Fields{
			"user_id":  userID,
			"video_id": videoID,
		}).Error("Failed to grant comment reward")
		if enqErr := s.repairs.Enqueue(ctx, reconcile.KindLedgerCredit, models.JSONB{
			"user_id":          userID,
			"amount":           pricing.CommentReward,
			"transaction_type": string(models.TxCommentPosted),
			"idempotency_key":  key,
			"video_id":         videoID,
		}, err); enqErr != nil {
			s.logger.WithError(enqErr).Error("Failed to enqueue comment reward repair")
		}
		return nil, fmt.Errorf("grant comment reward: %w", err)
	}

	if err := s.comments.IncrementCommentCount(ctx, videoID); err != nil {
		s.logger.WithError(err).WithField("video_id", videoID).Warn("Failed to bump comment counter")
	}

	return result, nil
}

// CreditPurchase applies a paid credit grant. The payment reference doubles
// as the idempotency key, so a replayed webhook credits exactly once.
func (s *Service) CreditPurchase(ctx context.Context, userID string, credits int, paymentReference string) (*ledger.Result, error) {
	result, err := s.creditLedger.Apply(ctx, ledger.Entry{
		UserID:           userID,
		Amount:           credits,
		Type:             models.TxPurchase,
		PaymentReference: &paymentReference,
		IdempotencyKey:   &paymentReference,
	})
	if err != nil {
		// The customer was charged. Never drop the grant; queue it.
		s.logger.WithError(err).WithFields(logging.Fields{
			"user_id":           userID,
			"payment_reference": paymentReference,
		}).Error("Failed to credit purchase")
		if enqErr := s.repairs.Enqueue(ctx, reconcile.KindLedgerCredit, models.JSONB{
			"user_id":          userID,
			"amount":           credits,
			"transaction_type": string(models.TxPurchase),
			"idempotency_key":  paymentReference,
		}, err); enqErr != nil {
			s.logger.WithError(enqErr).Error("Failed to enqueue purchase repair")
		}
		return nil, err
	}
	return result, nil
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}
