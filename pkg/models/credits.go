package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// TransactionType is the business reason for a ledger entry.
type TransactionType string

const (
	TxSignup        TransactionType = "signup"
	TxReferral      TransactionType = "referral"
	TxChapterize    TransactionType = "chapterize"
	TxCommentPosted TransactionType = "comment_posted"
	TxPurchase      TransactionType = "purchase"
)

// TranscriptSource records where a video's transcript came from.
type TranscriptSource string

const (
	TranscriptYouTubeNative    TranscriptSource = "youtube_native"
	TranscriptWhisperGenerated TranscriptSource = "whisper_generated"
)

// User represents a credit-holding account. Balance is a materialized
// fold over credit_transactions; it is only ever mutated through the
// ledger, never directly.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	ReferralCode       string    `json:"referral_code"`
	ReferredBy         *string   `json:"referred_by,omitempty"`
	StripeCustomerID   *string   `json:"stripe_customer_id,omitempty"`
	CreditsBalance     int       `json:"credits_balance"`
	TotalCreditsEarned int       `json:"total_credits_earned"`
	TotalCreditsSpent  int       `json:"total_credits_spent"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Chapter is a single chapter marker within a video.
type Chapter struct {
	Timestamp   string `json:"timestamp"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ChapterizedVideo is one cache entry in the content-addressed
// chapterization store. Chapters are immutable after insert; only the
// access counters move.
type ChapterizedVideo struct {
	VideoID          string           `json:"video_id"`
	Title            string           `json:"title"`
	DurationSeconds  int              `json:"duration_seconds"`
	Chapters         []Chapter        `json:"chapters"`
	TranscriptSource TranscriptSource `json:"transcript_source"`
	TimesAccessed    int              `json:"times_accessed"`
	CommentsPosted   int              `json:"comments_posted"`
	CreatedAt        time.Time        `json:"created_at"`
	LastAccessedAt   time.Time        `json:"last_accessed_at"`
}

// CreditTransaction is an immutable row in the append-only ledger.
type CreditTransaction struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Amount           int             `json:"amount"`
	Type             TransactionType `json:"transaction_type"`
	VideoID          *string         `json:"video_id,omitempty"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	IdempotencyKey   *string         `json:"idempotency_key,omitempty"`
	Metadata         JSONB           `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Interaction tracks one user's history with one video.
type Interaction struct {
	UserID        string    `json:"user_id"`
	VideoID       string    `json:"video_id"`
	Chapterized   bool      `json:"chapterized"`
	CommentPosted bool      `json:"comment_posted"`
	CreditsSpent  int       `json:"credits_spent"`
	CreditsEarned int       `json:"credits_earned"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
