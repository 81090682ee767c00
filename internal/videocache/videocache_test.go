package videocache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"chaptr/pkg/logging"
	"chaptr/pkg/models"
)

var videoCols = []string{"video_id", "title", "duration_seconds", "chapters", "transcript_source",
	"times_accessed", "comments_posted", "created_at", "last_accessed_at"}

func newTestCache(t *testing.T) (*Cache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logging.NewLogger()), mock
}

func TestGetHitIncrementsAccessCounter(t *testing.T) {
	c, mock := newTestCache(t)

	mock.ExpectQuery("UPDATE chapterized_videos").
		WithArgs("vid-1").
		WillReturnRows(sqlmock.NewRows(videoCols).
			AddRow("vid-1", "A Video", 600, `[{"timestamp":"0:00","title":"Intro"}]`,
				"youtube_native", 4, 1, time.Now(), time.Now()))

	video, err := c.Get(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if video.TimesAccessed != 4 {
		t.Errorf("expected times_accessed 4, got %d", video.TimesAccessed)
	}
	if len(video.Chapters) != 1 || video.Chapters[0].Title != "Intro" {
		t.Errorf("unexpected chapters: %+v", video.Chapters)
	}
}

func TestGetMiss(t *testing.T) {
	c, mock := newTestCache(t)

	mock.ExpectQuery("UPDATE chapterized_videos").
		WithArgs("vid-missing").
		WillReturnRows(sqlmock.NewRows(videoCols))

	_, err := c.Get(context.Background(), "vid-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutInsertsNewEntry(t *testing.T) {
	c, mock := newTestCache(t)

	mock.ExpectExec("INSERT INTO chapterized_videos").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM chapterized_videos").
		WithArgs("vid-1").
		WillReturnRows(sqlmock.NewRows(videoCols).
			AddRow("vid-1", "A Video", 600, `[]`, "youtube_native", 1, 0, time.Now(), time.Now()))

	stored, err := c.Put(context.Background(), &models.ChapterizedVideo{
		VideoID:          "vid-1",
		Title:            "A Video",
		DurationSeconds:  600,
		TranscriptSource: models.TranscriptYouTubeNative,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if stored.VideoID != "vid-1" {
		t.Errorf("unexpected stored entry: %+v", stored)
	}
}

func TestPutLosesRaceReturnsWinner(t *testing.T) {
	c, mock := newTestCache(t)

	mock.ExpectExec("INSERT INTO chapterized_videos").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM chapterized_videos").
		WithArgs("vid-1").
		WillReturnRows(sqlmock.NewRows(videoCols).
			AddRow("vid-1", "A Video", 600, `[{"timestamp":"0:00","title":"Winner"}]`,
				"whisper_generated", 1, 0, time.Now(), time.Now()))

	winner, err := c.Put(context.Background(), &models.ChapterizedVideo{VideoID: "vid-1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if winner == nil || winner.Chapters[0].Title != "Winner" {
		t.Errorf("expected winner row to be returned, got %+v", winner)
	}
}

func TestIncrementCommentCountUnknownVideo(t *testing.T) {
	c, mock := newTestCache(t)

	mock.ExpectExec("UPDATE chapterized_videos SET comments_posted").
		WithArgs("vid-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := c.IncrementCommentCount(context.Background(), "vid-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
