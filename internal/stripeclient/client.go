// Package stripeclient wraps the Stripe API operations used for one-time
// credit package purchases: customer lookup, Checkout Sessions, and webhook
// verification.
package stripeclient

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"

	"chaptr/internal/pricing"
	"chaptr/pkg/logging"
)

type Client struct {
	secretKey     string
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// CreateOrGetCustomer finds an existing customer by user ID or creates a new one.
func (c *Client) CreateOrGetCustomer(ctx context.Context, userID, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['user_id']:'%s'", userID)
	iter := customer.Search(params)

	for iter.Next() {
		cust := iter.Customer()
		c.logger.WithField("customer_id", cust.ID).Debug("Found existing Stripe customer")
		return cust, nil
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("Error searching for Stripe customer, will create new")
	}

	cust, err := customer.New(&stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"user_id": userID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe customer: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"customer_id": cust.ID,
		"user_id":     userID,
	}).Info("Created new Stripe customer")

	return cust, nil
}

// CheckoutParams for creating a credit purchase checkout session
type CheckoutParams struct {
	CustomerID string
	UserID     string
	Package    pricing.Package
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession creates a one-time payment Checkout Session for a
// credit package. The metadata carries everything the webhook needs to
// credit the right account.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*stripe.CheckoutSession, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Customer: stripe.String(params.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(int64(params.Package.PriceCents)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%d chaptr credits", params.Package.Credits)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"user_id":    params.UserID,
			"package_id": params.Package.ID,
			"credits":    strconv.Itoa(params.Package.Credits),
		},
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id": sess.ID,
		"user_id":    params.UserID,
		"package_id": params.Package.ID,
	}).Info("Created Stripe checkout session")

	return sess, nil
}

// VerifyAndParseWebhook verifies the webhook signature and parses the event
func (c *Client) VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return &event, nil
}

// CheckoutSessionFromEvent extracts checkout session from a webhook event
func (c *Client) CheckoutSessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error) {
	if event.Type != "checkout.session.completed" {
		return nil, fmt.Errorf("event type %s is not checkout.session.completed", event.Type)
	}

	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	return &sess, nil
}

// PurchaseInfo is what the webhook handler needs to credit an account.
type PurchaseInfo struct {
	UserID           string
	PackageID        string
	Credits          int
	PaymentReference string
}

// ExtractPurchaseInfo pulls the purchase details out of a completed
// checkout session's metadata.
func (c *Client) ExtractPurchaseInfo(sess *stripe.CheckoutSession) (*PurchaseInfo, error) {
	userID := sess.Metadata["user_id"]
	if userID == "" {
		return nil, fmt.Errorf("checkout session %s has no user_id metadata", sess.ID)
	}
	credits, err := strconv.Atoi(sess.Metadata["credits"])
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("checkout session %s has invalid credits metadata %q", sess.ID, sess.Metadata["credits"])
	}

	reference := sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		reference = sess.PaymentIntent.ID
	}

	return &PurchaseInfo{
		UserID:           userID,
		PackageID:        sess.Metadata["package_id"],
		Credits:          credits,
		PaymentReference: reference,
	}, nil
}
