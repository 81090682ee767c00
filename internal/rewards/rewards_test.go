package rewards

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"chaptr/internal/ledger"
	"chaptr/pkg/logging"
	"chaptr/pkg/models"
)

type fakeLedger struct {
	entries []ledger.Entry
	failFor models.TransactionType
	balance int
}

func (f *fakeLedger) Apply(ctx context.Context, entry ledger.Entry) (*ledger.Result, error) {
	if entry.Type == f.failFor {
		return nil, errors.New("ledger unavailable")
	}
	f.entries = append(f.entries, entry)
	f.balance += entry.Amount
	return &ledger.Result{Balance: f.balance}, nil
}

type fakeInteractions struct {
	first bool
	err   error
}

func (f *fakeInteractions) MarkCommentPosted(ctx context.Context, userID, videoID string, creditsEarned int) (bool, error) {
	return f.first, f.err
}

type fakeComments struct{ calls int }

func (f *fakeComments) IncrementCommentCount(ctx context.Context, videoID string) error {
	f.calls++
	return nil
}

type fakeRepairs struct{ items []models.JSONB }

func (f *fakeRepairs) Enqueue(ctx context.Context, kind string, payload models.JSONB, cause error) error {
	f.items = append(f.items, payload)
	return nil
}

var userCols = []string{"id", "email", "referral_code", "referred_by", "credits_balance",
	"total_credits_earned", "total_credits_spent", "created_at", "updated_at"}

func TestSignupGrantsReward(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	led := &fakeLedger{}
	svc := NewService(db, led, &fakeInteractions{}, &fakeComments{}, &fakeRepairs{}, logging.NewLogger())

	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-1", "a@example.com", "ABCD1234", nil, 0, 0, 0, time.Now(), time.Now()))

	user, err := svc.Signup(context.Background(), "a@example.com", "")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if user.CreditsBalance != 5 {
		t.Errorf("expected signup balance 5, got %d", user.CreditsBalance)
	}
	if len(led.entries) != 1 || led.entries[0].Type != models.TxSignup {
		t.Errorf("unexpected ledger entries: %+v", led.entries)
	}
	if key := led.entries[0].IdempotencyKey; key == nil || *key != "signup:user-1" {
		t.Errorf("unexpected idempotency key: %v", key)
	}
}

func TestSignupWithReferralPaysReferrer(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	led := &fakeLedger{}
	svc := NewService(db, led, &fakeInteractions{}, &fakeComments{}, &fakeRepairs{}, logging.NewLogger())

	mock.ExpectQuery("SELECT id FROM users WHERE referral_code").
		WithArgs("FRIEND01").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("referrer-1"))
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-2", "b@example.com", "WXYZ9876", "referrer-1", 0, 0, 0, time.Now(), time.Now()))

	_, err = svc.Signup(context.Background(), "b@example.com", "FRIEND01")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if len(led.entries) != 2 {
		t.Fatalf("expected signup + referral entries, got %d", len(led.entries))
	}
	referral := led.entries[1]
	if referral.Type != models.TxReferral || referral.Amount != 10 || referral.UserID != "referrer-1" {
		t.Errorf("unexpected referral entry: %+v", referral)
	}
	if key := referral.IdempotencyKey; key == nil || *key != "referral:referrer-1:user-2" {
		t.Errorf("unexpected referral key: %v", key)
	}
}

func TestSignupUnknownReferralCodeIgnored(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	led := &fakeLedger{}
	svc := NewService(db, led, &fakeInteractions{}, &fakeComments{}, &fakeRepairs{}, logging.NewLogger())

	mock.ExpectQuery("SELECT id FROM users WHERE referral_code").
		WithArgs("NOPE0000").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-3", "c@example.com", "QRST5555", nil, 0, 0, 0, time.Now(), time.Now()))

	_, err = svc.Signup(context.Background(), "c@example.com", "NOPE0000")
	if err != nil {
		t.Fatalf("Signup with unknown code should succeed: %v", err)
	}
	if len(led.entries) != 1 {
		t.Errorf("expected signup entry only, got %d", len(led.entries))
	}
}

func TestSignupReferralLedgerFailureQueuesRepair(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	led := &fakeLedger{failFor: models.TxReferral}
	repairs := &fakeRepairs{}
	svc := NewService(db, led, &fakeInteractions{}, &fakeComments{}, repairs, logging.NewLogger())

	mock.ExpectQuery("SELECT id FROM users WHERE referral_code").
		WithArgs("FRIEND01").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("referrer-1"))
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-4", "d@example.com", "LMNO4444", "referrer-1", 0, 0, 0, time.Now(), time.Now()))

	_, err = svc.Signup(context.Background(), "d@example.com", "FRIEND01")
	if err != nil {
		t.Fatalf("signup must survive a referral grant failure: %v", err)
	}
	if len(repairs.items) != 1 {
		t.Fatalf("expected repair item, got %d", len(repairs.items))
	}
	if repairs.items[0]["user_id"] != "referrer-1" {
		t.Errorf("unexpected repair payload: %+v", repairs.items[0])
	}
}

func TestSignupGrantFailureQueuesRepairAndKeepsUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	led := &fakeLedger{failFor: models.TxSignup}
	repairs := &fakeRepairs{}
	svc := NewService(db, led, &fakeInteractions{}, &fakeComments{}, repairs, logging.NewLogger())

	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-5", "e@example.com", "EFGH2222", nil, 0, 0, 0, time.Now(), time.Now()))

	user, err := svc.Signup(context.Background(), "e@example.com", "")
	if err != nil {
		t.Fatalf("signup must survive a grant failure once the user row is committed: %v", err)
	}
	if user.CreditsBalance != 0 {
		t.Errorf("no grant landed, balance should be 0, got %d", user.CreditsBalance)
	}
	if len(repairs.items) != 1 {
		t.Fatalf("expected queued signup grant, got %d", len(repairs.items))
	}
	item := repairs.items[0]
	if item["idempotency_key"] != "signup:user-5" || item["user_id"] != "user-5" {
		t.Errorf("unexpected repair payload: %+v", item)
	}
}

func TestShareRewardFirstTime(t *testing.T) {
	led := &fakeLedger{}
	comments := &fakeComments{}
	svc := NewService(nil, led, &fakeInteractions{first: true}, comments, &fakeRepairs{}, logging.NewLogger())

	result, err := svc.ShareReward(context.Background(), "user-1", "vid-1")
	if err != nil {
		t.Fatalf("ShareReward: %v", err)
	}
	if result.Balance != 2 {
		t.Errorf("expected +2 credits, balance %d", result.Balance)
	}
	if comments.calls != 1 {
		t.Errorf("expected comment counter bump, got %d", comments.calls)
	}
	if key := led.entries[0].IdempotencyKey; key == nil || *key != "comment:user-1:vid-1" {
		t.Errorf("unexpected key: %v", key)
	}
}

func TestShareRewardDuplicate(t *testing.T) {
	led := &fakeLedger{}
	svc := NewService(nil, led, &fakeInteractions{first: false}, &fakeComments{}, &fakeRepairs{}, logging.NewLogger())

	_, err := svc.ShareReward(context.Background(), "user-1", "vid-1")
	if !errors.Is(err, ErrAlreadyPosted) {
		t.Fatalf("expected ErrAlreadyPosted, got %v", err)
	}
	if len(led.entries) != 0 {
		t.Error("duplicate share must not touch the ledger")
	}
}

func TestShareRewardLedgerFailureQueuesRepair(t *testing.T) {
	led := &fakeLedger{failFor: models.TxCommentPosted}
	repairs := &fakeRepairs{}
	svc := NewService(nil, led, &fakeInteractions{first: true}, &fakeComments{}, repairs, logging.NewLogger())

	_, err := svc.ShareReward(context.Background(), "user-1", "vid-1")
	if err == nil {
		t.Fatal("expected error")
	}
	// The comment is live and the interaction row is marked, so a retry
	// would be refused as a duplicate. The grant must be queued.
	if len(repairs.items) != 1 {
		t.Fatalf("expected queued comment grant, got %d", len(repairs.items))
	}
	item := repairs.items[0]
	if item["idempotency_key"] != "comment:user-1:vid-1" || item["video_id"] != "vid-1" {
		t.Errorf("unexpected repair payload: %+v", item)
	}
}

func TestCreditPurchaseUsesPaymentReferenceAsKey(t *testing.T) {
	led := &fakeLedger{}
	svc := NewService(nil, led, &fakeInteractions{}, &fakeComments{}, &fakeRepairs{}, logging.NewLogger())

	_, err := svc.CreditPurchase(context.Background(), "user-1", 60, "pi_123")
	if err != nil {
		t.Fatalf("CreditPurchase: %v", err)
	}
	entry := led.entries[0]
	if entry.IdempotencyKey == nil || *entry.IdempotencyKey != "pi_123" {
		t.Errorf("expected payment reference as idempotency key, got %v", entry.IdempotencyKey)
	}
	if entry.Amount != 60 || entry.Type != models.TxPurchase {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestCreditPurchaseFailureQueuesRepair(t *testing.T) {
	led := &fakeLedger{failFor: models.TxPurchase}
	repairs := &fakeRepairs{}
	svc := NewService(nil, led, &fakeInteractions{}, &fakeComments{}, repairs, logging.NewLogger())

	_, err := svc.CreditPurchase(context.Background(), "user-1", 60, "pi_123")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(repairs.items) != 1 {
		t.Fatalf("expected repair item, got %d", len(repairs.items))
	}
	if repairs.items[0]["idempotency_key"] != "pi_123" {
		t.Errorf("unexpected repair payload: %+v", repairs.items[0])
	}
}
