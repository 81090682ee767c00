// Package videocache stores generated chapters keyed by video ID. Entries
// are immutable after insert; concurrent writers race on a compare-and-insert
// and the loser adopts the winner's row.
package videocache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chaptr/pkg/logging"
	"chaptr/pkg/models"
)

var (
	ErrNotFound      = errors.New("video not in cache")
	ErrAlreadyExists = errors.New("video already cached")
)

type Cache struct {
	db     *sql.DB
	logger logging.Logger
}

func New(db *sql.DB, logger logging.Logger) *Cache {
	return &Cache{db: db, logger: logger}
}

// Get returns the cached entry for a video and bumps its access counter.
func (c *Cache) Get(ctx context.Context, videoID string) (*models.ChapterizedVideo, error) {
	video, err := c.scanVideo(c.db.QueryRowContext(ctx, `
		UPDATE chapterized_videos
		SET times_accessed = times_accessed + 1, last_accessed_at = NOW()
		WHERE video_id = $1
		RETURNING video_id, title, duration_seconds, chapters, transcript_source,
		          times_accessed, comments_posted, created_at, last_accessed_at`,
		videoID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cached video: %w", err)
	}
	return video, nil
}

// Peek returns the cached entry without touching the access counter.
func (c *Cache) Peek(ctx context.Context, videoID string) (*models.ChapterizedVideo, error) {
	video, err := c.scanVideo(c.db.QueryRowContext(ctx, `
		SELECT video_id, title, duration_seconds, chapters, transcript_source,
		       times_accessed, comments_posted, created_at, last_accessed_at
		FROM chapterized_videos
		WHERE video_id = $1`,
		videoID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cached video: %w", err)
	}
	return video, nil
}

// Put inserts a new entry. When another writer got there first the insert
// is a no-op and ErrAlreadyExists is returned alongside the winner's row.
func (c *Cache) Put(ctx context.Context, video *models.ChapterizedVideo) (*models.ChapterizedVideo, error) {
	chaptersJSON, err := json.Marshal(video.Chapters)
	if err != nil {
		return nil, fmt.Errorf("marshal chapters: %w", err)
	}

	result, err := c.db.ExecContext(ctx, `
		INSERT INTO chapterized_videos (video_id, title, duration_seconds, chapters, transcript_source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (video_id) DO NOTHING`,
		video.VideoID, video.Title, video.DurationSeconds, chaptersJSON, video.TranscriptSource)
	if err != nil {
		return nil, fmt.Errorf("insert cached video: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check insert result: %w", err)
	}
	if inserted == 0 {
		winner, err := c.Peek(ctx, video.VideoID)
		if err != nil {
			return nil, fmt.Errorf("read winning cache entry: %w", err)
		}
		return winner, ErrAlreadyExists
	}

	c.logger.WithFields(logging.Fields{
		"video_id": video.VideoID,
		"chapters": len(video.Chapters),
	}).Info("Video chapters cached")

	stored, err := c.Peek(ctx, video.VideoID)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// IncrementCommentCount records that a chapter comment was posted for the video.
func (c *Cache) IncrementCommentCount(ctx context.Context, videoID string) error {
	result, err := c.db.ExecContext(ctx,
		"UPDATE chapterized_videos SET comments_posted = comments_posted + 1 WHERE video_id = $1",
		videoID)
	if err != nil {
		return fmt.Errorf("increment comment count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Cache) scanVideo(row *sql.Row) (*models.ChapterizedVideo, error) {
	var video models.ChapterizedVideo
	var chaptersJSON []byte
	err := row.Scan(&video.VideoID, &video.Title, &video.DurationSeconds, &chaptersJSON,
		&video.TranscriptSource, &video.TimesAccessed, &video.CommentsPosted,
		&video.CreatedAt, &video.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(chaptersJSON, &video.Chapters); err != nil {
		return nil, fmt.Errorf("decode chapters: %w", err)
	}
	return &video, nil
}
