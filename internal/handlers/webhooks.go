package handlers

import (
	"io"
	"net/http"

	chaptrapi "chaptr/pkg/api/chaptr"
	"chaptr/pkg/logging"
	"chaptr/pkg/middleware"
)

// HandleStripeWebhook processes Stripe checkout events. Completed checkouts
// credit the purchased package exactly once; redelivered events are
// acknowledged without a second grant.
func HandleStripeWebhook(c middleware.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "failed to read request body"})
		return
	}

	event, err := payments.VerifyAndParseWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logger.WithError(err).Warn("Rejected Stripe webhook")
		c.JSON(http.StatusUnauthorized, chaptrapi.ErrorResponse{Error: "invalid webhook signature"})
		return
	}

	if isWebhookAlreadyProcessed("stripe", event.ID) {
		if metrics != nil {
			metrics.WebhooksProcessed.WithLabelValues("stripe", "duplicate").Inc()
		}
		c.JSON(http.StatusOK, map[string]string{"status": "already processed"})
		return
	}

	if event.Type != "checkout.session.completed" {
		markWebhookProcessed("stripe", event.ID, string(event.Type))
		c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	sess, err := payments.CheckoutSessionFromEvent(event)
	if err != nil {
		logger.WithError(err).Error("Failed to parse checkout session from webhook")
		c.JSON(http.StatusBadRequest, chaptrapi.ErrorResponse{Error: "malformed event payload"})
		return
	}

	info, err := payments.ExtractPurchaseInfo(sess)
	if err != nil {
		// No user to credit. Record the event so Stripe stops retrying.
		logger.WithError(err).WithFields(logging.Fields{
			"event_id":   event.ID,
			"session_id": sess.ID,
		}).Error("Checkout session missing purchase metadata")
		markWebhookProcessed("stripe", event.ID, string(event.Type))
		c.JSON(http.StatusOK, map[string]string{"status": "skipped"})
		return
	}

	result, err := rewardsSvc.CreditPurchase(c.Request.Context(), info.UserID, info.Credits, info.PaymentReference)
	if err != nil {
		// CreditPurchase already queued the repair. Ack so Stripe does not
		// redeliver; the idempotency key keeps the replay safe either way.
		logger.WithError(err).WithFields(logging.Fields{
			"user_id":           info.UserID,
			"payment_reference": info.PaymentReference,
		}).Error("Failed to credit purchase, queued for reconciliation")
		markWebhookProcessed("stripe", event.ID, string(event.Type))
		c.JSON(http.StatusOK, map[string]string{"status": "queued"})
		return
	}

	markWebhookProcessed("stripe", event.ID, string(event.Type))
	if metrics != nil {
		metrics.WebhooksProcessed.WithLabelValues("stripe", "processed").Inc()
		if !result.Replayed {
			metrics.CreditsGranted.WithLabelValues("purchase").Add(float64(info.Credits))
		}
	}

	logger.WithFields(logging.Fields{
		"user_id":           info.UserID,
		"package_id":        info.PackageID,
		"credits":           info.Credits,
		"payment_reference": info.PaymentReference,
		"replayed":          result.Replayed,
	}).Info("Credited purchase from Stripe webhook")

	c.JSON(http.StatusOK, map[string]string{"status": "processed"})
}

// isWebhookAlreadyProcessed checks if a webhook event was already processed
func isWebhookAlreadyProcessed(provider, eventID string) bool {
	if db == nil {
		return false
	}
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	return err == nil && exists
}

// markWebhookProcessed marks a webhook event as processed
func markWebhookProcessed(provider, eventID, eventType string) {
	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}
