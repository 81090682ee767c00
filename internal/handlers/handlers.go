// Package handlers implements the HTTP surface of the chaptr service.
package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"

	"chaptr/internal/coordinator"
	"chaptr/internal/ledger"
	"chaptr/internal/pricing"
	"chaptr/internal/reconcile"
	"chaptr/internal/rewards"
	"chaptr/internal/stripeclient"
	"chaptr/internal/videocache"
	"chaptr/internal/youtube"
	chaptrapi "chaptr/pkg/api/chaptr"
	"chaptr/pkg/auth"
	"chaptr/pkg/config"
	"chaptr/pkg/ctxkeys"
	"chaptr/pkg/logging"
	"chaptr/pkg/middleware"
	"chaptr/pkg/models"
)

// Chapterizer runs the chapterize flow.
type Chapterizer interface {
	Chapterize(ctx context.Context, userID, videoID string, claimedDuration int) (*coordinator.Outcome, error)
}

// BalanceReader reads user credit standing and history.
type BalanceReader interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

// RewardService grants credits for user actions.
type RewardService interface {
	Signup(ctx context.Context, email, referralCode string) (*models.User, error)
	ShareReward(ctx context.Context, userID, videoID string) (*ledger.Result, error)
	CreditPurchase(ctx context.Context, userID string, credits int, paymentReference string) (*ledger.Result, error)
}

// VideoLookup resolves video metadata and posts comments.
type VideoLookup interface {
	GetVideoDetails(ctx context.Context, videoID string) (*youtube.VideoDetails, error)
	PostComment(ctx context.Context, accessToken, videoID, text string) (string, error)
}

// ChapterPeek reads the cache without bumping counters.
type ChapterPeek interface {
	Peek(ctx context.Context, videoID string) (*models.ChapterizedVideo, error)
}

// InteractionReader checks a user's history with a video.
type InteractionReader interface {
	Get(ctx context.Context, userID, videoID string) (*models.Interaction, error)
}

// CheckoutService wraps the payment provider.
type CheckoutService interface {
	CreateOrGetCustomer(ctx context.Context, userID, email string) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params stripeclient.CheckoutParams) (*stripe.CheckoutSession, error)
	VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error)
	CheckoutSessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error)
	ExtractPurchaseInfo(sess *stripe.CheckoutSession) (*stripeclient.PurchaseInfo, error)
}

// Deps wires the handler package to the services behind it.
type Deps struct {
	DB           *sql.DB
	Logger       logging.Logger
	Metrics      *ChaptrMetrics
	Flow         Chapterizer
	Credits      BalanceReader
	Rewards      RewardService
	Videos       VideoLookup
	Cache        ChapterPeek
	Interactions InteractionReader
	Payments     CheckoutService
	Repairs      *reconcile.Store
}

var (
	db           *sql.DB
	logger       logging.Logger
	metrics      *ChaptrMetrics
	flow         Chapterizer
	credits      BalanceReader
	rewardsSvc   RewardService
	videos       VideoLookup
	cache        ChapterPeek
	interactions InteractionReader
	payments     CheckoutService
	repairs      *reconcile.Store
)

// Init initializes the handlers with their dependencies
func Init(deps Deps) {
	db = deps.DB
	logger = deps.Logger
	metrics = deps.Metrics
	flow = deps.Flow
	credits = deps.Credits
	rewardsSvc = deps.Rewards
	videos = deps.Videos
	cache = deps.Cache
	interactions = deps.Interactions
	payments = deps.Payments
	repairs = deps.Repairs
}

// Signup registers a new account and grants the signup reward.
func Signup(c middleware.Context) {
	var req chaptrapi.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "email is required"})
		return
	}

	user, err := rewardsSvc.Signup(c.Request.Context(), req.Email, req.ReferralCode)
	if err != nil {
		if errors.Is(err, rewards.ErrEmailTaken) {
			c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "email already registered"})
			return
		}
		logger.WithError(err).Error("Signup failed")
		c.JSON(http.StatusInternalServerError, chaptrapi.ErrorResponse{Error: "failed to create account"})
		return
	}

	if metrics != nil {
		metrics.CreditsGranted.WithLabelValues("signup").Add(float64(pricing.SignupReward))
	}

	token, err := auth.GenerateJWT(user.ID, user.Email, []byte(config.GetEnv("JWT_SECRET", "")))
	if err != nil {
		logger.WithError(err).Error("Failed to issue session token")
		c.JSON(http.StatusInternalServerError, chaptrapi.ErrorResponse{Error: "failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, chaptrapi.SignupResponse{
		UserID:         user.ID,
		ReferralCode:   user.ReferralCode,
		CreditsBalance: user.CreditsBalance,
		Token:          token,
	})
}

// GetEstimate quotes the credit cost for a video before the user commits.
func GetEstimate(c middleware.Context) {
	videoID, ok := videoIDFromQuery(c)
	if !ok {
		return
	}

	if cached, err := cache.Peek(c.Request.Context(), videoID); err == nil {
		c.JSON(http.StatusOK, chaptrapi.EstimateResponse{
			VideoID:         videoID,
			DurationSeconds: cached.DurationSeconds,
			CreditCost:      0,
			Cached:          true,
		})
		return
	}

	details, err := videos.GetVideoDetails(c.Request.Context(), videoID)
	if err != nil {
		respondVideoError(c, err)
		return
	}

	c.JSON(http.StatusOK, chaptrapi.EstimateResponse{
		VideoID:         videoID,
		DurationSeconds: details.DurationSeconds,
		CreditCost:      pricing.CostForDuration(details.DurationSeconds),
	})
}

// Chapterize generates or returns cached chapters for a video.
func Chapterize(c middleware.Context) {
	userID := c.GetString(string(ctxkeys.KeyUserID))
	if userID == "" {
		c.JSON(http.StatusUnauthorized, chaptrapi.ErrorResponse{Error: "authentication required"})
		return
	}

	var req chaptrapi.ChapterizeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VideoURL == "" {
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "video_url is required"})
		return
	}
	videoID, err := youtube.ExtractVideoID(req.VideoURL)
	if err != nil {
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "unrecognized video URL"})
		return
	}

	start := time.Now()
	outcome, err := flow.Chapterize(c.Request.Context(), userID, videoID, req.ClaimedDurationSeconds)
	if err != nil {
		respondChapterizeError(c, err)
		return
	}

	if metrics != nil {
		result := "generated"
		lookup := "miss"
		if outcome.FromCache {
			result = "cache_hit"
			lookup = "hit"
		} else {
			metrics.GenerationDuration.WithLabelValues(string(outcome.Video.TranscriptSource)).Observe(time.Since(start).Seconds())
		}
		metrics.ChapterizeRequests.WithLabelValues(result).Inc()
		metrics.CacheHitRate.WithLabelValues(lookup).Inc()
		if outcome.CreditsCharged > 0 {
			metrics.CreditsSpent.WithLabelValues("chapterize").Add(float64(outcome.CreditsCharged))
		}
	}

	balance := outcome.Balance
	if outcome.FromCache {
		if user, err := credits.GetUser(c.Request.Context(), userID); err == nil {
			balance = user.CreditsBalance
		}
	}

	c.JSON(http.StatusOK, chaptrapi.ChapterizeResponse{
		VideoID:          outcome.Video.VideoID,
		Title:            outcome.Video.Title,
		Chapters:         outcome.Video.Chapters,
		TranscriptSource: outcome.Video.TranscriptSource,
		FromCache:        outcome.FromCache,
		CreditsCharged:   outcome.CreditsCharged,
		CreditsBalance:   balance,
	})
}

func respondChapterizeError(c middleware.Context, err error) {
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, chaptrapi.InsufficientCreditsResponse{
			Error:    "insufficient credits",
			Required: insufficient.Required,
			Current:  insufficient.Current,
			Needed:   insufficient.Required - insufficient.Current,
		})
	case errors.Is(err, ledger.ErrUserNotFound):
		c.JSON(http.StatusNotFound, chaptrapi.ErrorResponse{Error: "user not found"})
	case errors.Is(err, coordinator.ErrGenerationTimeout):
		c.JSON(http.StatusServiceUnavailable, chaptrapi.ErrorResponse{Error: err.Error()})
	case errors.Is(err, youtube.ErrVideoNotFound):
		c.JSON(http.StatusNotFound, chaptrapi.ErrorResponse{Error: "video not found"})
	case errors.Is(err, youtube.ErrNoTranscript):
		c.JSON(http.StatusUnprocessableEntity, chaptrapi.ErrorResponse{Error: "video has no transcript"})
	default:
		logger.WithError(err).Error("Chapterize failed")
		c.JSON(http.StatusBadGateway, chaptrapi.ErrorResponse{Error: "failed to chapterize video"})
	}
}

// GetBalance returns the authenticated user's credit standing.
func GetBalance(c middleware.Context) {
	userID := c.GetString(string(ctxkeys.KeyUserID))
	user, err := credits.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, chaptrapi.ErrorResponse{Error: "user not found"})
			return
		}
		logger.WithError(err).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, chaptrapi.ErrorResponse{Error: "failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, chaptrapi.BalanceResponse{
		UserID:             user.ID,
		CreditsBalance:     user.CreditsBalance,
		TotalCreditsEarned: user.TotalCreditsEarned,
		TotalCreditsSpent:  user.TotalCreditsSpent,
		ReferralCode:       user.ReferralCode,
	})
}

// GetTransactions returns the user's ledger history, newest first.
func GetTransactions(c middleware.Context) {
	userID := c.GetString(string(ctxkeys.KeyUserID))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	history, err := credits.History(c.Request.Context(), userID, limit)
	if err != nil {
		logger.WithError(err).Error("Failed to read transaction history")
		c.JSON(http.StatusInternalServerError, chaptrapi.ErrorResponse{Error: "failed to read history"})
		return
	}

	c.JSON(http.StatusOK, chaptrapi.TransactionHistoryResponse{
		Transactions: history,
		Total:        len(history),
	})
}

// PostComment shares the cached chapters as a YouTube comment and grants
// the share reward. The reward is only paid after the comment actually
// posts, and only once per user/video.
func PostComment(c middleware.Context) {
	userID := c.GetString(string(ctxkeys.KeyUserID))

	var req chaptrapi.PostCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VideoID == "" || req.YouTubeToken == "" {
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "video_id and youtube_token are required"})
		return
	}

	// Checked before the external post so a duplicate request never puts
	// a second comment on the video.
	if prior, err := interactions.Get(c.Request.Context(), userID, req.VideoID); err == nil && prior.CommentPosted {
		c.JSON(http.StatusConflict, chaptrapi.ErrorResponse{Error: "comment already posted for this video"})
		return
	}

	video, err := cache.Peek(c.Request.Context(), req.VideoID)
	if err != nil {
		if errors.Is(err, videocache.ErrNotFound) {
			c.JSON(http.StatusNotFound, chaptrapi.ErrorResponse{Error: "video has not been chapterized"})
			return
		}
		logger.WithError(err).Error("Failed to read cached video")
		c.JSON(http.StatusInternalServerError, chaptrapi.ErrorResponse{Error: "failed to read video"})
		return
	}

	commentText := youtube.FormatChapterComment(video.Chapters)
	commentID, err := videos.PostComment(c.Request.Context(), req.YouTubeToken, req.VideoID, commentText)
	if err != nil {
		if metrics != nil {
			metrics.CommentsPosted.WithLabelValues("failed").Inc()
		}
		if errors.Is(err, youtube.ErrCommentsDisabled) {
			c.JSON(http.StatusForbidden, chaptrapi.ErrorResponse{Error: "comments are disabled for this video"})
			return
		}
		logger.WithError(err).Error("Failed to post comment")
		c.JSON(http.StatusBadGateway, chaptrapi.ErrorResponse{Error: "failed to post comment"})
		return
	}

	result, err := rewardsSvc.ShareReward(c.Request.Context(), userID, req.VideoID)
	if err != nil {
		if errors.Is(err, rewards.ErrAlreadyPosted) {
			c.JSON(http.StatusConflict, chaptrapi.ErrorResponse{Error: "comment already posted for this video"})
			return
		}
		// Comment is live but the reward failed; surface it, the repair
		// queue will settle the credits.
		logger.WithError(err).WithFields(logging.Fields{
			"user_id":  userID,
			"video_id": req.VideoID,
		}).Error("Comment posted but reward failed")
		c.JSON(http.StatusInternalServerError, chaptrapi.ErrorResponse{Error: "comment posted, reward pending"})
		return
	}

	if metrics != nil {
		metrics.CommentsPosted.WithLabelValues("posted").Inc()
		metrics.CreditsGranted.WithLabelValues("comment").Add(float64(pricing.CommentReward))
	}

	c.JSON(http.StatusOK, chaptrapi.PostCommentResponse{
		VideoID:        req.VideoID,
		CommentID:      commentID,
		CreditsEarned:  pricing.CommentReward,
		CreditsBalance: result.Balance,
	})
}

// GetPackages lists the purchasable credit bundles.
func GetPackages(c middleware.Context) {
	resp := chaptrapi.PackagesResponse{}
	for _, p := range pricing.Packages {
		resp.Packages = append(resp.Packages, chaptrapi.CreditPackage{
			ID:         p.ID,
			Credits:    p.Credits,
			PriceCents: p.PriceCents,
			Currency:   "usd",
		})
	}
	c.JSON(http.StatusOK, resp)
}

// CreatePurchase starts a Stripe Checkout for a credit package.
func CreatePurchase(c middleware.Context) {
	userID := c.GetString(string(ctxkeys.KeyUserID))

	var req chaptrapi.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PackageID == "" {
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "package_id is required"})
		return
	}
	pkg, ok := pricing.PackageByID(req.PackageID)
	if !ok {
		c.JSON(http.StatusNotFound, chaptrapi.ErrorResponse{Error: "unknown package"})
		return
	}

	user, err := credits.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, chaptrapi.ErrorResponse{Error: "user not found"})
			return
		}
		logger.WithError(err).Error("Failed to load user for purchase")
		c.JSON(http.StatusInternalServerError, chaptrapi.ErrorResponse{Error: "failed to start purchase"})
		return
	}

	customer, err := payments.CreateOrGetCustomer(c.Request.Context(), user.ID, user.Email)
	if err != nil {
		logger.WithError(err).Error("Failed to resolve Stripe customer")
		c.JSON(http.StatusBadGateway, chaptrapi.ErrorResponse{Error: "payment provider unavailable"})
		return
	}

	baseURL := config.GetEnv("APP_BASE_URL", "https://chaptr.app")
	sess, err := payments.CreateCheckoutSession(c.Request.Context(), stripeclient.CheckoutParams{
		CustomerID: customer.ID,
		UserID:     user.ID,
		Package:    pkg,
		SuccessURL: baseURL + "/credits?purchase=success",
		CancelURL:  baseURL + "/credits?purchase=cancelled",
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create checkout session")
		c.JSON(http.StatusBadGateway, chaptrapi.ErrorResponse{Error: "payment provider unavailable"})
		return
	}

	c.JSON(http.StatusOK, chaptrapi.PurchaseResponse{
		CheckoutURL: sess.URL,
		SessionID:   sess.ID,
	})
}

func videoIDFromQuery(c middleware.Context) (string, bool) {
	raw := c.Query("video_url")
	if raw == "" {
		raw = c.Query("video_id")
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "video_url is required"})
		return "", false
	}
	videoID, err := youtube.ExtractVideoID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "unrecognized video URL"})
		return "", false
	}
	return videoID, true
}

func respondVideoError(c middleware.Context, err error) {
	if errors.Is(err, youtube.ErrVideoNotFound) {
		c.JSON(http.StatusNotFound, chaptrapi.ErrorResponse{Error: "video not found"})
		return
	}
	logger.WithError(err).Error("Video lookup failed")
	c.JSON(http.StatusBadGateway, chaptrapi.ErrorResponse{Error: "video lookup failed"})
}
