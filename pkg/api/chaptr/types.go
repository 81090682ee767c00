package chaptr

import "chaptr/pkg/models"

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SignupRequest represents a new account registration
type SignupRequest struct {
	Email        string `json:"email"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// SignupResponse returns the created account and its starting balance
type SignupResponse struct {
	UserID         string `json:"user_id"`
	ReferralCode   string `json:"referral_code"`
	CreditsBalance int    `json:"credits_balance"`
	Token          string `json:"token"`
}

// EstimateResponse represents the credit cost quote for a video
type EstimateResponse struct {
	VideoID         string `json:"video_id"`
	DurationSeconds int    `json:"duration_seconds"`
	CreditCost      int    `json:"credit_cost"`
	Cached          bool   `json:"cached"`
}

// ChapterizeRequest represents a request to generate chapters for a video.
// ClaimedDurationSeconds is the client's stated duration; it is only used
// for pricing when the authoritative lookup is unavailable.
type ChapterizeRequest struct {
	VideoURL               string `json:"video_url"`
	ClaimedDurationSeconds int    `json:"claimed_duration_seconds,omitempty"`
}

// ChapterizeResponse represents generated or cached chapters for a video
type ChapterizeResponse struct {
	VideoID          string                  `json:"video_id"`
	Title            string                  `json:"title"`
	Chapters         []models.Chapter        `json:"chapters"`
	TranscriptSource models.TranscriptSource `json:"transcript_source"`
	FromCache        bool                    `json:"from_cache"`
	CreditsCharged   int                     `json:"credits_charged"`
	CreditsBalance   int                     `json:"credits_balance"`
}

// InsufficientCreditsResponse is returned when a debit would overdraw the balance
type InsufficientCreditsResponse struct {
	Error    string `json:"error"`
	Required int    `json:"required"`
	Current  int    `json:"current"`
	Needed   int    `json:"needed"`
}

// BalanceResponse represents a user's current credit standing
type BalanceResponse struct {
	UserID             string `json:"user_id"`
	CreditsBalance     int    `json:"credits_balance"`
	TotalCreditsEarned int    `json:"total_credits_earned"`
	TotalCreditsSpent  int    `json:"total_credits_spent"`
	ReferralCode       string `json:"referral_code"`
}

// PostCommentRequest represents a request to share chapters as a YouTube comment
type PostCommentRequest struct {
	VideoID string `json:"video_id"`
	// OAuth token for the user's YouTube account; the comment is posted as them.
	YouTubeToken string `json:"youtube_token"`
}

// PostCommentResponse represents the result of posting a chapter comment
type PostCommentResponse struct {
	VideoID        string `json:"video_id"`
	CommentID      string `json:"comment_id"`
	CreditsEarned  int    `json:"credits_earned"`
	CreditsBalance int    `json:"credits_balance"`
}

// CreditPackage represents a purchasable credit bundle
type CreditPackage struct {
	ID         string `json:"id"`
	Credits    int    `json:"credits"`
	PriceCents int    `json:"price_cents"`
	Currency   string `json:"currency"`
}

// PackagesResponse lists the purchasable credit bundles
type PackagesResponse struct {
	Packages []CreditPackage `json:"packages"`
}

// PurchaseRequest represents a request to buy a credit package
type PurchaseRequest struct {
	PackageID string `json:"package_id"`
}

// PurchaseResponse returns the checkout URL for a pending purchase
type PurchaseResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// TransactionHistoryResponse lists a user's ledger entries, newest first
type TransactionHistoryResponse struct {
	Transactions []models.CreditTransaction `json:"transactions"`
	Total        int                        `json:"total"`
}

// ReconciliationStatusResponse reports unresolved repair items per kind
type ReconciliationStatusResponse struct {
	Pending map[string]int `json:"pending"`
	Total   int            `json:"total"`
}
