package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chaptr/internal/ledger"
	"chaptr/internal/reconcile"
	"chaptr/internal/videocache"
	chaptrapi "chaptr/pkg/api/chaptr"
	"chaptr/pkg/logging"
	"chaptr/pkg/middleware"
	"chaptr/pkg/models"
)

// LedgerApplier replays a credit grant from a queued repair.
type LedgerApplier interface {
	Apply(ctx context.Context, entry ledger.Entry) (*ledger.Result, error)
}

// CachePersister replays a failed chapter persist.
type CachePersister interface {
	Put(ctx context.Context, video *models.ChapterizedVideo) (*models.ChapterizedVideo, error)
}

// JobManager runs the background reconciliation loop. Items land in the
// queue when money already moved but the paired write failed; each pass
// replays them until they stick.
type JobManager struct {
	db      *sql.DB
	logger  logging.Logger
	metrics *ChaptrMetrics

	credits  LedgerApplier
	cache    CachePersister
	repairs  *reconcile.Store
	interval time.Duration

	stopCh chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger, m *ChaptrMetrics, credits LedgerApplier, cache CachePersister, repairs *reconcile.Store) *JobManager {
	return &JobManager{
		db:       database,
		logger:   log,
		metrics:  m,
		credits:  credits,
		cache:    cache,
		repairs:  repairs,
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting reconciliation job manager")
	go jm.runReconciliation(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping reconciliation job manager")
	close(jm.stopCh)
}

func (jm *JobManager) runReconciliation(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.processPendingRepairs(ctx)
		}
	}
}

func (jm *JobManager) processPendingRepairs(ctx context.Context) {
	items, err := jm.repairs.Pending(ctx, 20)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to read reconciliation queue")
		return
	}

	depth := map[string]int{reconcile.KindLedgerCredit: 0, reconcile.KindCachePersist: 0}
	for _, item := range items {
		depth[item.Kind]++
	}
	if jm.metrics != nil {
		for kind, n := range depth {
			jm.metrics.RepairQueueDepth.WithLabelValues(kind).Set(float64(n))
		}
	}

	for _, item := range items {
		if err := jm.repairItem(ctx, item); err != nil {
			jm.logger.WithError(err).WithFields(logging.Fields{
				"item_id":  item.ID,
				"kind":     item.Kind,
				"attempts": item.Attempts + 1,
			}).Warn("Reconciliation attempt failed")
			if markErr := jm.repairs.MarkFailedAttempt(ctx, item.ID, err); markErr != nil {
				jm.logger.WithError(markErr).Error("Failed to record reconciliation attempt")
			}
			continue
		}
		if err := jm.repairs.MarkResolved(ctx, item.ID); err != nil {
			jm.logger.WithError(err).WithField("item_id", item.ID).Error("Failed to mark reconciliation item resolved")
			continue
		}
		jm.logger.WithFields(logging.Fields{
			"item_id": item.ID,
			"kind":    item.Kind,
		}).Info("Reconciliation item repaired")
	}
}

func (jm *JobManager) repairItem(ctx context.Context, item reconcile.Item) error {
	switch item.Kind {
	case reconcile.KindLedgerCredit:
		return jm.repairLedgerCredit(ctx, item)
	case reconcile.KindCachePersist:
		return jm.repairCachePersist(ctx, item)
	default:
		return fmt.Errorf("unknown reconciliation kind %q", item.Kind)
	}
}

type ledgerCreditPayload struct {
	UserID           string  `json:"user_id"`
	Amount           int     `json:"amount"`
	TransactionType  string  `json:"transaction_type"`
	IdempotencyKey   string  `json:"idempotency_key"`
	VideoID          *string `json:"video_id,omitempty"`
	PaymentReference *string `json:"payment_reference,omitempty"`
}

func (jm *JobManager) repairLedgerCredit(ctx context.Context, item reconcile.Item) error {
	var payload ledgerCreditPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return err
	}
	if payload.UserID == "" || payload.Amount == 0 || payload.IdempotencyKey == "" {
		return fmt.Errorf("ledger credit payload incomplete for item %s", item.ID)
	}

	// The idempotency key makes the replay safe even if an earlier attempt
	// partially succeeded.
	_, err := jm.credits.Apply(ctx, ledger.Entry{
		UserID:           payload.UserID,
		Amount:           payload.Amount,
		Type:             models.TransactionType(payload.TransactionType),
		VideoID:          payload.VideoID,
		PaymentReference: payload.PaymentReference,
		IdempotencyKey:   &payload.IdempotencyKey,
	})
	return err
}

type cachePersistPayload struct {
	VideoID          string           `json:"video_id"`
	Title            string           `json:"title"`
	DurationSeconds  int              `json:"duration_seconds"`
	Chapters         []models.Chapter `json:"chapters"`
	TranscriptSource string           `json:"transcript_source"`
}

func (jm *JobManager) repairCachePersist(ctx context.Context, item reconcile.Item) error {
	var payload cachePersistPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return err
	}
	if payload.VideoID == "" || len(payload.Chapters) == 0 {
		return fmt.Errorf("cache persist payload incomplete for item %s", item.ID)
	}

	_, err := jm.cache.Put(ctx, &models.ChapterizedVideo{
		VideoID:          payload.VideoID,
		Title:            payload.Title,
		DurationSeconds:  payload.DurationSeconds,
		Chapters:         payload.Chapters,
		TranscriptSource: models.TranscriptSource(payload.TranscriptSource),
	})
	if errors.Is(err, videocache.ErrAlreadyExists) {
		// Someone else cached the video in the meantime. Done either way.
		return nil
	}
	return err
}

// GetReconciliationStatus reports unresolved repair items per kind. It sits
// on the service-token surface for operators, not end users.
func GetReconciliationStatus(c middleware.Context) {
	counts, err := repairs.PendingCounts(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to count reconciliation queue")
		c.JSON(http.StatusInternalServerError, chaptrapi.ErrorResponse{Error: "failed to read reconciliation queue"})
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, chaptrapi.ReconciliationStatusResponse{
		Pending: counts,
		Total:   total,
	})
}

func decodePayload(payload models.JSONB, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
