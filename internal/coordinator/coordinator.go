// Package coordinator drives the chapterize flow: cache lookup, balance
// check, single-flighted generation, debit, and persistence. It owns the
// ordering guarantees; the stores it composes own the storage details.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"chaptr/internal/generator"
	"chaptr/internal/ledger"
	"chaptr/internal/pricing"
	"chaptr/internal/reconcile"
	"chaptr/internal/videocache"
	"chaptr/internal/youtube"
	"chaptr/pkg/logging"
	"chaptr/pkg/models"
)

// ErrGenerationTimeout is returned to a caller that gave up waiting.
// Generation keeps running; a retry will usually hit the cache.
var ErrGenerationTimeout = errors.New("chapter generation still in progress, retry shortly")

// ChapterCache is the chapterized-video store.
type ChapterCache interface {
	Get(ctx context.Context, videoID string) (*models.ChapterizedVideo, error)
	Put(ctx context.Context, video *models.ChapterizedVideo) (*models.ChapterizedVideo, error)
}

// CreditLedger applies balance changes.
type CreditLedger interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	Apply(ctx context.Context, entry ledger.Entry) (*ledger.Result, error)
}

// InteractionStore records per-user video history.
type InteractionStore interface {
	MarkChapterized(ctx context.Context, userID, videoID string, creditsSpent int) error
}

// VideoDirectory resolves video metadata and transcripts.
type VideoDirectory interface {
	GetVideoDetails(ctx context.Context, videoID string) (*youtube.VideoDetails, error)
	GetTranscript(ctx context.Context, videoID string) (string, error)
}

// ChapterGenerator produces chapters from a transcript.
type ChapterGenerator interface {
	Generate(ctx context.Context, title string, durationSeconds int, transcript string, source models.TranscriptSource) (*generator.Result, error)
}

// ReconcileQueue records failures that happened after the debit.
type ReconcileQueue interface {
	Enqueue(ctx context.Context, kind string, payload models.JSONB, cause error) error
}

// Outcome is the result of a chapterize request.
type Outcome struct {
	Video          *models.ChapterizedVideo
	FromCache      bool
	CreditsCharged int
	Balance        int
}

type Coordinator struct {
	cache        ChapterCache
	creditLedger CreditLedger
	interactions InteractionStore
	videos       VideoDirectory
	generator    ChapterGenerator
	repairs      ReconcileQueue
	logger       logging.Logger

	flight singleflight.Group

	// How long a caller waits for a shared generation before getting
	// a retryable timeout. Generation itself runs under genTimeout,
	// detached from any caller's context.
	waitTimeout time.Duration
	genTimeout  time.Duration
}

func New(cache ChapterCache, creditLedger CreditLedger, interactions InteractionStore,
	videos VideoDirectory, gen ChapterGenerator, repairs ReconcileQueue, logger logging.Logger) *Coordinator {
	return &Coordinator{
		cache:        cache,
		creditLedger: creditLedger,
		interactions: interactions,
		videos:       videos,
		generator:    gen,
		repairs:      repairs,
		logger:       logger,
		waitTimeout:  90 * time.Second,
		genTimeout:   5 * time.Minute,
	}
}

// Chapterize returns chapters for the video, generating and caching them on
// a miss. Cache hits are free. On a miss the caller's balance is checked up
// front, generation is shared across concurrent callers, and the debit lands
// only after generation succeeds, so a generator failure never charges
// anyone. claimedDuration is the client's stated duration in seconds; it is
// only used for pricing when the authoritative lookup is unavailable.
func (c *Coordinator) Chapterize(ctx context.Context, userID, videoID string, claimedDuration int) (*Outcome, error) {
	cached, err := c.cache.Get(ctx, videoID)
	if err == nil {
		if markErr := c.interactions.MarkChapterized(ctx, userID, videoID, 0); markErr != nil {
			c.logger.WithError(markErr).WithField("video_id", videoID).Warn("Failed to record cache-hit interaction")
		}
		return &Outcome{Video: cached, FromCache: true}, nil
	}
	if !errors.Is(err, videocache.ErrNotFound) {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	details, err := c.videos.GetVideoDetails(ctx, videoID)
	if err != nil {
		if errors.Is(err, youtube.ErrVideoNotFound) || claimedDuration <= 0 {
			return nil, err
		}
		// Directory is down but the client told us the duration. Charging
		// off the claimed value beats refusing the request outright.
		c.logger.WithError(err).WithField("video_id", videoID).Warn("Falling back to claimed duration")
		details = &youtube.VideoDetails{VideoID: videoID, DurationSeconds: claimedDuration}
	}
	cost := pricing.CostForDuration(details.DurationSeconds)

	user, err := c.creditLedger.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.CreditsBalance < cost {
		return nil, &ledger.InsufficientBalanceError{Required: cost, Current: user.CreditsBalance}
	}

	video, flightID, err := c.generateShared(ctx, details)
	if err != nil {
		return nil, err
	}

	// The key is scoped to this flight instance, so a user with two
	// requests riding the same generation pays once. A later regeneration
	// gets a fresh flight ID and charges again.
	videoRef := videoID
	debitKey := fmt.Sprintf("chapterize:%s:%s", flightID, userID)
	debit, err := c.creditLedger.Apply(ctx, ledger.Entry{
		UserID:         userID,
		Amount:         -cost,
		Type:           models.TxChapterize,
		VideoID:        &videoRef,
		IdempotencyKey: &debitKey,
		Metadata: models.JSONB{
			"video_title":      video.Title,
			"duration_seconds": video.DurationSeconds,
		},
	})
	if err != nil {
		return nil, err
	}

	if markErr := c.interactions.MarkChapterized(ctx, userID, videoID, cost); markErr != nil {
		c.logger.WithError(markErr).WithField("video_id", videoID).Warn("Failed to record interaction")
	}

	return &Outcome{
		Video:          video,
		CreditsCharged: cost,
		Balance:        debit.Balance,
	}, nil
}

type flightResult struct {
	video *models.ChapterizedVideo
	// flightID identifies one generation run. Waiters use it to build
	// their debit idempotency keys.
	flightID string
}

// generateShared runs generation once per video no matter how many callers
// are waiting. The flight leader runs detached from any caller's context so
// one impatient client cannot cancel work others paid for.
func (c *Coordinator) generateShared(ctx context.Context, details *youtube.VideoDetails) (*models.ChapterizedVideo, string, error) {
	resultCh := c.flight.DoChan(details.VideoID, func() (interface{}, error) {
		genCtx, cancel := context.WithTimeout(context.Background(), c.genTimeout)
		defer cancel()
		video, err := c.generateAndPersist(genCtx, details)
		if err != nil {
			return nil, err
		}
		return &flightResult{video: video, flightID: uuid.New().String()}, nil
	})

	waitCtx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, "", res.Err
		}
		fr := res.Val.(*flightResult)
		return fr.video, fr.flightID, nil
	case <-waitCtx.Done():
		return nil, "", ErrGenerationTimeout
	}
}

func (c *Coordinator) generateAndPersist(ctx context.Context, details *youtube.VideoDetails) (*models.ChapterizedVideo, error) {
	transcript, err := c.videos.GetTranscript(ctx, details.VideoID)
	if err != nil {
		return nil, err
	}

	generated, err := c.generator.Generate(ctx, details.Title, details.DurationSeconds, transcript, models.TranscriptYouTubeNative)
	if err != nil {
		return nil, err
	}

	video := &models.ChapterizedVideo{
		VideoID:          details.VideoID,
		Title:            details.Title,
		DurationSeconds:  details.DurationSeconds,
		Chapters:         generated.Chapters,
		TranscriptSource: generated.TranscriptSource,
	}

	stored, err := c.cache.Put(ctx, video)
	if errors.Is(err, videocache.ErrAlreadyExists) {
		// Another process generated the same video first. Its row wins;
		// the caller's debit stands either way.
		return stored, nil
	}
	if err != nil {
		// The user already paid. Keep the chapters, queue the persist
		// for repair instead of failing the request.
		c.logger.WithError(err).WithField("video_id", details.VideoID).Error("Failed to persist generated chapters")
		if enqErr := c.repairs.Enqueue(ctx, reconcile.KindCachePersist, models.JSONB{
			"video_id":          video.VideoID,
			"title":             video.Title,
			"duration_seconds":  video.DurationSeconds,
			"chapters":          video.Chapters,
			"transcript_source": string(video.TranscriptSource),
		}, err); enqErr != nil {
			c.logger.WithError(enqErr).Error("Failed to enqueue cache persist repair")
		}
		video.TimesAccessed = 1
		return video, nil
	}
	return stored, nil
}
