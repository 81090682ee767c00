package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"

	"chaptr/internal/coordinator"
	"chaptr/internal/ledger"
	"chaptr/internal/rewards"
	"chaptr/internal/stripeclient"
	"chaptr/internal/videocache"
	"chaptr/internal/youtube"
	chaptrapi "chaptr/pkg/api/chaptr"
	"chaptr/pkg/ctxkeys"
	"chaptr/pkg/models"
	"chaptr/pkg/testutil"
)

type fakeChapterizer struct {
	outcome *coordinator.Outcome
	err     error
	calls   int
}

func (f *fakeChapterizer) Chapterize(ctx context.Context, userID, videoID string, claimedDuration int) (*coordinator.Outcome, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

type fakeBalanceReader struct {
	user    *models.User
	history []models.CreditTransaction
	err     error
}

func (f *fakeBalanceReader) GetUser(ctx context.Context, userID string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

func (f *fakeBalanceReader) History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	return f.history, f.err
}

type fakeRewards struct {
	user        *models.User
	shareResult *ledger.Result
	signupErr   error
	shareErr    error
	purchases   []string
	purchaseErr error
}

func (f *fakeRewards) Signup(ctx context.Context, email, referralCode string) (*models.User, error) {
	if f.signupErr != nil {
		return nil, f.signupErr
	}
	return f.user, nil
}

func (f *fakeRewards) ShareReward(ctx context.Context, userID, videoID string) (*ledger.Result, error) {
	if f.shareErr != nil {
		return nil, f.shareErr
	}
	return f.shareResult, nil
}

func (f *fakeRewards) CreditPurchase(ctx context.Context, userID string, credits int, paymentReference string) (*ledger.Result, error) {
	f.purchases = append(f.purchases, paymentReference)
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	return &ledger.Result{Balance: credits}, nil
}

type fakeVideoLookup struct {
	details    *youtube.VideoDetails
	detailsErr error
	commentID  string
	postErr    error
	posts      int
}

func (f *fakeVideoLookup) GetVideoDetails(ctx context.Context, videoID string) (*youtube.VideoDetails, error) {
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	return f.details, nil
}

func (f *fakeVideoLookup) PostComment(ctx context.Context, accessToken, videoID, text string) (string, error) {
	f.posts++
	if f.postErr != nil {
		return "", f.postErr
	}
	return f.commentID, nil
}

type fakeHistory struct {
	interaction *models.Interaction
}

func (f *fakeHistory) Get(ctx context.Context, userID, videoID string) (*models.Interaction, error) {
	if f.interaction == nil {
		return nil, errors.New("interaction not found")
	}
	return f.interaction, nil
}

type fakeCache struct {
	video *models.ChapterizedVideo
	err   error
}

func (f *fakeCache) Peek(ctx context.Context, videoID string) (*models.ChapterizedVideo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.video, nil
}

type fakePayments struct {
	event      *stripe.Event
	verifyErr  error
	session    *stripe.CheckoutSession
	sessionErr error
	info       *stripeclient.PurchaseInfo
	infoErr    error
}

func (f *fakePayments) CreateOrGetCustomer(ctx context.Context, userID, email string) (*stripe.Customer, error) {
	return &stripe.Customer{ID: "cus_test"}, nil
}

func (f *fakePayments) CreateCheckoutSession(ctx context.Context, params stripeclient.CheckoutParams) (*stripe.CheckoutSession, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return f.session, nil
}

func (f *fakePayments) VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.event, nil
}

func (f *fakePayments) CheckoutSessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error) {
	return f.session, nil
}

func (f *fakePayments) ExtractPurchaseInfo(sess *stripe.CheckoutSession) (*stripeclient.PurchaseInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return f.info, nil
}

func resetHandlers(t *testing.T, deps Deps) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	Init(deps)
	t.Cleanup(func() { Init(Deps{}) })
}

func performJSON(t *testing.T, handler gin.HandlerFunc, method, path string, body any, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, &buf)
	c.Request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		c.Set(string(ctxkeys.KeyUserID), userID)
	}
	handler(c)
	return w
}

func TestSignupReturnsAccountAndToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "unit-test-secret")
	resetHandlers(t, Deps{
		Rewards: &fakeRewards{user: &models.User{
			ID:             "user-1",
			Email:          "new@example.com",
			ReferralCode:   "ABCD1234",
			CreditsBalance: 5,
		}},
	})

	w := performJSON(t, Signup, "POST", "/auth/signup", chaptrapi.SignupRequest{Email: "new@example.com"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp chaptrapi.SignupResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.CreditsBalance != 5 {
		t.Fatalf("expected starting balance 5, got %d", resp.CreditsBalance)
	}
	if resp.Token == "" {
		t.Fatal("expected a session token")
	}
	if resp.ReferralCode != "ABCD1234" {
		t.Fatalf("unexpected referral code %q", resp.ReferralCode)
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	resetHandlers(t, Deps{
		Rewards: &fakeRewards{signupErr: rewards.ErrEmailTaken},
	})

	w := performJSON(t, Signup, "POST", "/auth/signup", chaptrapi.SignupRequest{Email: "taken@example.com"}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetEstimateCachedVideoIsFree(t *testing.T) {
	resetHandlers(t, Deps{
		Cache: &fakeCache{video: testutil.NewFixtures().ChapterizedVideo()},
	})

	w := performJSON(t, GetEstimate, "GET", "/credits/estimate?video_url=https://youtu.be/dQw4w9WgXcQ", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp chaptrapi.EstimateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Cached || resp.CreditCost != 0 {
		t.Fatalf("expected free cached estimate, got cached=%v cost=%d", resp.Cached, resp.CreditCost)
	}
}

func TestGetEstimateQuotesByDuration(t *testing.T) {
	resetHandlers(t, Deps{
		Cache:  &fakeCache{err: videocache.ErrNotFound},
		Videos: &fakeVideoLookup{details: &youtube.VideoDetails{VideoID: "dQw4w9WgXcQ", DurationSeconds: 3700}},
	})

	w := performJSON(t, GetEstimate, "GET", "/credits/estimate?video_url=dQw4w9WgXcQ", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp chaptrapi.EstimateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.CreditCost != 3 {
		t.Fatalf("expected cost 3 for a long video, got %d", resp.CreditCost)
	}
	if resp.Cached {
		t.Fatal("expected cached=false")
	}
}

func TestGetEstimateRejectsBadURL(t *testing.T) {
	resetHandlers(t, Deps{Cache: &fakeCache{err: videocache.ErrNotFound}})

	w := performJSON(t, GetEstimate, "GET", "/credits/estimate?video_url=notavideo", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestChapterizeReturnsChapters(t *testing.T) {
	resetHandlers(t, Deps{
		Flow: &fakeChapterizer{outcome: &coordinator.Outcome{
			Video: &models.ChapterizedVideo{
				VideoID:  "dQw4w9WgXcQ",
				Title:    "Test Video",
				Chapters: []models.Chapter{{Timestamp: "00:00", Title: "Intro"}},
			},
			CreditsCharged: 2,
			Balance:        3,
		}},
	})

	w := performJSON(t, Chapterize, "POST", "/chapterize",
		chaptrapi.ChapterizeRequest{VideoURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"}, "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp chaptrapi.ChapterizeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.CreditsCharged != 2 || resp.CreditsBalance != 3 {
		t.Fatalf("unexpected billing: charged=%d balance=%d", resp.CreditsCharged, resp.CreditsBalance)
	}
	if len(resp.Chapters) != 1 {
		t.Fatalf("expected 1 chapter, got %d", len(resp.Chapters))
	}
}

func TestChapterizeInsufficientCredits(t *testing.T) {
	resetHandlers(t, Deps{
		Flow: &fakeChapterizer{err: &ledger.InsufficientBalanceError{Required: 3, Current: 1}},
	})

	w := performJSON(t, Chapterize, "POST", "/chapterize",
		chaptrapi.ChapterizeRequest{VideoURL: "dQw4w9WgXcQ"}, "user-1")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	var resp chaptrapi.InsufficientCreditsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Required != 3 || resp.Current != 1 || resp.Needed != 2 {
		t.Fatalf("unexpected shortfall: required=%d current=%d needed=%d", resp.Required, resp.Current, resp.Needed)
	}
}

func TestChapterizeGenerationTimeout(t *testing.T) {
	resetHandlers(t, Deps{
		Flow: &fakeChapterizer{err: coordinator.ErrGenerationTimeout},
	})

	w := performJSON(t, Chapterize, "POST", "/chapterize",
		chaptrapi.ChapterizeRequest{VideoURL: "dQw4w9WgXcQ"}, "user-1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestChapterizeVideoNotFound(t *testing.T) {
	resetHandlers(t, Deps{
		Flow: &fakeChapterizer{err: fmt.Errorf("lookup: %w", youtube.ErrVideoNotFound)},
	})

	w := performJSON(t, Chapterize, "POST", "/chapterize",
		chaptrapi.ChapterizeRequest{VideoURL: "dQw4w9WgXcQ"}, "user-1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetBalance(t *testing.T) {
	user := testutil.NewFixtures().User()
	resetHandlers(t, Deps{
		Credits: &fakeBalanceReader{user: user},
	})

	w := performJSON(t, GetBalance, "GET", "/user/credits", nil, user.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp chaptrapi.BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.CreditsBalance != user.CreditsBalance ||
		resp.TotalCreditsEarned != user.TotalCreditsEarned ||
		resp.TotalCreditsSpent != user.TotalCreditsSpent {
		t.Fatalf("unexpected balance payload: %+v", resp)
	}
}

func TestPostCommentGrantsReward(t *testing.T) {
	resetHandlers(t, Deps{
		Cache: &fakeCache{video: &models.ChapterizedVideo{
			VideoID:  "dQw4w9WgXcQ",
			Chapters: []models.Chapter{{Timestamp: "00:00", Title: "Intro"}},
		}},
		Videos:       &fakeVideoLookup{commentID: "comment-1"},
		Interactions: &fakeHistory{},
		Rewards:      &fakeRewards{shareResult: &ledger.Result{Balance: 9}},
	})

	w := performJSON(t, PostComment, "POST", "/comment/post",
		chaptrapi.PostCommentRequest{VideoID: "dQw4w9WgXcQ", YouTubeToken: "ya29.token"}, "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp chaptrapi.PostCommentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.CreditsEarned != 2 || resp.CreditsBalance != 9 {
		t.Fatalf("unexpected reward: earned=%d balance=%d", resp.CreditsEarned, resp.CreditsBalance)
	}
	if resp.CommentID != "comment-1" {
		t.Fatalf("unexpected comment id %q", resp.CommentID)
	}
}

func TestPostCommentDuplicate(t *testing.T) {
	resetHandlers(t, Deps{
		Cache: &fakeCache{video: &models.ChapterizedVideo{
			VideoID:  "dQw4w9WgXcQ",
			Chapters: []models.Chapter{{Timestamp: "00:00", Title: "Intro"}},
		}},
		Videos:       &fakeVideoLookup{commentID: "comment-2"},
		Interactions: &fakeHistory{},
		Rewards:      &fakeRewards{shareErr: rewards.ErrAlreadyPosted},
	})

	w := performJSON(t, PostComment, "POST", "/comment/post",
		chaptrapi.PostCommentRequest{VideoID: "dQw4w9WgXcQ", YouTubeToken: "ya29.token"}, "user-1")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestPostCommentDuplicateSkipsExternalPost(t *testing.T) {
	lookup := &fakeVideoLookup{commentID: "comment-3"}
	resetHandlers(t, Deps{
		Cache: &fakeCache{video: &models.ChapterizedVideo{
			VideoID:  "dQw4w9WgXcQ",
			Chapters: []models.Chapter{{Timestamp: "00:00", Title: "Intro"}},
		}},
		Videos: lookup,
		Interactions: &fakeHistory{interaction: &models.Interaction{
			UserID:        "user-1",
			VideoID:       "dQw4w9WgXcQ",
			CommentPosted: true,
		}},
		Rewards: &fakeRewards{},
	})

	w := performJSON(t, PostComment, "POST", "/comment/post",
		chaptrapi.PostCommentRequest{VideoID: "dQw4w9WgXcQ", YouTubeToken: "ya29.token"}, "user-1")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if lookup.posts != 0 {
		t.Fatalf("duplicate must not reach YouTube, got %d posts", lookup.posts)
	}
}

func TestPostCommentVideoNotChapterized(t *testing.T) {
	resetHandlers(t, Deps{
		Cache:        &fakeCache{err: videocache.ErrNotFound},
		Interactions: &fakeHistory{},
	})

	w := performJSON(t, PostComment, "POST", "/comment/post",
		chaptrapi.PostCommentRequest{VideoID: "dQw4w9WgXcQ", YouTubeToken: "ya29.token"}, "user-1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPostCommentCommentsDisabled(t *testing.T) {
	resetHandlers(t, Deps{
		Cache: &fakeCache{video: &models.ChapterizedVideo{
			VideoID:  "dQw4w9WgXcQ",
			Chapters: []models.Chapter{{Timestamp: "00:00", Title: "Intro"}},
		}},
		Videos:       &fakeVideoLookup{postErr: youtube.ErrCommentsDisabled},
		Interactions: &fakeHistory{},
	})

	w := performJSON(t, PostComment, "POST", "/comment/post",
		chaptrapi.PostCommentRequest{VideoID: "dQw4w9WgXcQ", YouTubeToken: "ya29.token"}, "user-1")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestGetPackages(t *testing.T) {
	resetHandlers(t, Deps{})

	w := performJSON(t, GetPackages, "GET", "/credits/packages", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp chaptrapi.PackagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Packages) != 4 {
		t.Fatalf("expected 4 packages, got %d", len(resp.Packages))
	}
	if resp.Packages[0].ID != "starter" || resp.Packages[0].Credits != 25 {
		t.Fatalf("unexpected first package: %+v", resp.Packages[0])
	}
}

func TestCreatePurchaseReturnsCheckoutURL(t *testing.T) {
	resetHandlers(t, Deps{
		Credits: &fakeBalanceReader{user: &models.User{ID: "user-1", Email: "buyer@example.com"}},
		Payments: &fakePayments{session: &stripe.CheckoutSession{
			ID:  "cs_test_1",
			URL: "https://checkout.stripe.com/pay/cs_test_1",
		}},
	})

	w := performJSON(t, CreatePurchase, "POST", "/credits/purchase",
		chaptrapi.PurchaseRequest{PackageID: "popular"}, "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp chaptrapi.PurchaseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.SessionID != "cs_test_1" || resp.CheckoutURL == "" {
		t.Fatalf("unexpected purchase response: %+v", resp)
	}
}

func TestCreatePurchaseUnknownPackage(t *testing.T) {
	resetHandlers(t, Deps{
		Credits: &fakeBalanceReader{user: &models.User{ID: "user-1"}},
	})

	w := performJSON(t, CreatePurchase, "POST", "/credits/purchase",
		chaptrapi.PurchaseRequest{PackageID: "enterprise"}, "user-1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
