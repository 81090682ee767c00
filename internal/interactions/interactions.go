// Package interactions tracks per-user, per-video history: whether the
// user chapterized the video, whether they posted the share comment, and
// the credits that moved for it.
package interactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chaptr/pkg/models"
)

var ErrNotFound = errors.New("interaction not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the interaction row for a user and video.
func (s *Store) Get(ctx context.Context, userID, videoID string) (*models.Interaction, error) {
	var in models.Interaction
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, video_id, chapterized, comment_posted, credits_spent, credits_earned, created_at, updated_at
		FROM user_video_interactions
		WHERE user_id = $1 AND video_id = $2`,
		userID, videoID,
	).Scan(&in.UserID, &in.VideoID, &in.Chapterized, &in.CommentPosted,
		&in.CreditsSpent, &in.CreditsEarned, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read interaction: %w", err)
	}
	return &in, nil
}

// MarkChapterized records that the user chapterized the video and how many
// credits it cost them. Safe to call again for the same pair.
func (s *Store) MarkChapterized(ctx context.Context, userID, videoID string, creditsSpent int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_video_interactions (user_id, video_id, chapterized, credits_spent)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (user_id, video_id) DO UPDATE
		SET chapterized = TRUE,
		    credits_spent = user_video_interactions.credits_spent + EXCLUDED.credits_spent,
		    updated_at = NOW()`,
		userID, videoID, creditsSpent)
	if err != nil {
		return fmt.Errorf("mark chapterized: %w", err)
	}
	return nil
}

// MarkCommentPosted records the share comment and its reward. Returns false
// when the comment was already recorded, so the reward is never granted twice.
func (s *Store) MarkCommentPosted(ctx context.Context, userID, videoID string, creditsEarned int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO user_video_interactions (user_id, video_id, comment_posted, credits_earned)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (user_id, video_id) DO UPDATE
		SET comment_posted = TRUE,
		    credits_earned = user_video_interactions.credits_earned + EXCLUDED.credits_earned,
		    updated_at = NOW()
		WHERE user_video_interactions.comment_posted = FALSE`,
		userID, videoID, creditsEarned)
	if err != nil {
		return false, fmt.Errorf("mark comment posted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
