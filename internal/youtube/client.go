// Package youtube wraps the YouTube Data API calls the service needs:
// video metadata, caption transcripts, and comment posting.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-resty/resty/v2"

	"chaptr/pkg/logging"
)

var (
	ErrVideoNotFound    = errors.New("video not found")
	ErrNoTranscript     = errors.New("no transcript available")
	ErrCommentsDisabled = errors.New("comments are disabled for this video")
)

const defaultAPIURL = "https://www.googleapis.com/youtube/v3"

// VideoDetails is the metadata needed to price and title a video.
type VideoDetails struct {
	VideoID         string
	Title           string
	ChannelTitle    string
	DurationSeconds int
}

type Client struct {
	http   *resty.Client
	apiKey string
	logger logging.Logger
}

func NewClient(apiKey, apiURL string, logger logging.Logger) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		http:   resty.New().SetBaseURL(strings.TrimRight(apiURL, "/")),
		apiKey: apiKey,
		logger: logger,
	}
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ExtractVideoID pulls the 11-character video ID out of any of the common
// YouTube URL shapes, or accepts a bare ID.
func ExtractVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if videoIDPattern.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid video URL: %w", err)
	}

	host := strings.TrimPrefix(u.Hostname(), "www.")
	switch host {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if videoIDPattern.MatchString(id) {
			return id, nil
		}
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if id := u.Query().Get("v"); videoIDPattern.MatchString(id) {
			return id, nil
		}
		// /shorts/<id>, /embed/<id>, /live/<id>
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 && videoIDPattern.MatchString(parts[1]) {
			return parts[1], nil
		}
	}

	return "", fmt.Errorf("could not extract video ID from %q", raw)
}

type videoListResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelTitle string `json:"channelTitle"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

// GetVideoDetails fetches title and duration for a video.
func (c *Client) GetVideoDetails(ctx context.Context, videoID string) (*VideoDetails, error) {
	var result videoListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"part": "snippet,contentDetails",
			"id":   videoID,
			"key":  c.apiKey,
		}).
		SetResult(&result).
		Get("/videos")
	if err != nil {
		return nil, fmt.Errorf("youtube videos request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("youtube videos request returned %s", resp.Status())
	}
	if len(result.Items) == 0 {
		return nil, ErrVideoNotFound
	}

	item := result.Items[0]
	duration, err := ParseISO8601Duration(item.ContentDetails.Duration)
	if err != nil {
		return nil, fmt.Errorf("parse video duration: %w", err)
	}

	return &VideoDetails{
		VideoID:         videoID,
		Title:           item.Snippet.Title,
		ChannelTitle:    item.Snippet.ChannelTitle,
		DurationSeconds: duration,
	}, nil
}

var iso8601Pattern = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// ParseISO8601Duration converts the API's PT#H#M#S duration format to seconds.
func ParseISO8601Duration(s string) (int, error) {
	if s == "PT" || s == "P0D" {
		return 0, nil
	}
	m := iso8601Pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("unrecognized duration %q", s)
	}
	seconds := 0
	for i, mult := range []int{3600, 60, 1} {
		if m[i+1] != "" {
			var n int
			fmt.Sscanf(m[i+1], "%d", &n)
			seconds += n * mult
		}
	}
	return seconds, nil
}

type captionsListResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Language     string `json:"language"`
			TrackKind    string `json:"trackKind"`
			IsAutoSynced bool   `json:"isAutoSynced"`
		} `json:"snippet"`
	} `json:"items"`
}

// GetTranscript downloads the video's caption track. Prefers a manually
// uploaded track over an auto-generated one. Returns ErrNoTranscript when
// the video has no captions at all.
func (c *Client) GetTranscript(ctx context.Context, videoID string) (string, error) {
	var list captionsListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"part":    "snippet",
			"videoId": videoID,
			"key":     c.apiKey,
		}).
		SetResult(&list).
		Get("/captions")
	if err != nil {
		return "", fmt.Errorf("youtube captions request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("youtube captions request returned %s", resp.Status())
	}
	if len(list.Items) == 0 {
		return "", ErrNoTranscript
	}

	trackID := list.Items[0].ID
	for _, item := range list.Items {
		if item.Snippet.TrackKind == "standard" {
			trackID = item.ID
			break
		}
	}

	download, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"tfmt": "srt",
			"key":  c.apiKey,
		}).
		Get("/captions/" + trackID)
	if err != nil {
		return "", fmt.Errorf("youtube caption download failed: %w", err)
	}
	if download.IsError() {
		return "", fmt.Errorf("youtube caption download returned %s", download.Status())
	}

	transcript := string(download.Body())
	if strings.TrimSpace(transcript) == "" {
		return "", ErrNoTranscript
	}
	return transcript, nil
}

type commentThreadResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Errors []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// PostComment posts a top-level comment on the video on behalf of the
// authenticated account. Returns ErrCommentsDisabled when the channel has
// turned comments off.
func (c *Client) PostComment(ctx context.Context, accessToken, videoID, text string) (string, error) {
	body := map[string]interface{}{
		"snippet": map[string]interface{}{
			"videoId": videoID,
			"topLevelComment": map[string]interface{}{
				"snippet": map[string]string{"textOriginal": text},
			},
		},
	}

	var result commentThreadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+accessToken).
		SetQueryParams(map[string]string{"part": "snippet"}).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post("/commentThreads")
	if err != nil {
		return "", fmt.Errorf("youtube comment request failed: %w", err)
	}
	if resp.StatusCode() == 403 {
		if result.Error != nil {
			for _, e := range result.Error.Errors {
				if e.Reason == "commentsDisabled" {
					return "", ErrCommentsDisabled
				}
			}
		}
		return "", ErrCommentsDisabled
	}
	if resp.IsError() {
		return "", fmt.Errorf("youtube comment request returned %s", resp.Status())
	}

	c.logger.WithFields(logging.Fields{
		"video_id":   videoID,
		"comment_id": result.ID,
	}).Info("Chapter comment posted")

	return result.ID, nil
}
