package testutil

import (
	"time"

	"chaptr/pkg/models"
)

// Fixtures provides canned domain objects for database and handler tests.
type Fixtures struct{}

func NewFixtures() *Fixtures {
	return &Fixtures{}
}

// User returns a user with a positive balance.
func (f *Fixtures) User() *models.User {
	return &models.User{
		ID:                 "11111111-1111-1111-1111-111111111111",
		Email:              "viewer@example.com",
		ReferralCode:       "VIEW1234",
		CreditsBalance:     10,
		TotalCreditsEarned: 15,
		TotalCreditsSpent:  5,
		CreatedAt:          time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:          time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC),
	}
}

// BrokeUser returns a user with zero balance.
func (f *Fixtures) BrokeUser() *models.User {
	u := f.User()
	u.ID = "22222222-2222-2222-2222-222222222222"
	u.Email = "broke@example.com"
	u.ReferralCode = "BRKE5678"
	u.CreditsBalance = 0
	u.TotalCreditsEarned = 5
	u.TotalCreditsSpent = 5
	return u
}

// ChapterizedVideo returns a cached video with two chapters.
func (f *Fixtures) ChapterizedVideo() *models.ChapterizedVideo {
	return &models.ChapterizedVideo{
		VideoID:         "dQw4w9WgXcQ",
		Title:           "Test Video",
		DurationSeconds: 600,
		Chapters: []models.Chapter{
			{Timestamp: "0:00", Title: "Intro"},
			{Timestamp: "5:30", Title: "Main topic"},
		},
		TranscriptSource: models.TranscriptYouTubeNative,
		TimesAccessed:    3,
		CommentsPosted:   1,
		CreatedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		LastAccessedAt:   time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC),
	}
}
