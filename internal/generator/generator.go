// Package generator turns a video transcript into a chapter list using an
// LLM completion backend.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"chaptr/pkg/llm"
	"chaptr/pkg/logging"
	"chaptr/pkg/models"
)

var (
	ErrTranscriptTooShort = errors.New("transcript too short or unavailable")
	ErrInvalidChapters    = errors.New("invalid chapter format returned by model")
)

// Transcripts below this length carry too little signal to chapterize.
const minTranscriptLength = 100

// Very long transcripts are truncated to stay within token limits.
const maxTranscriptLength = 50000

type Generator struct {
	provider llm.Provider
	logger   logging.Logger
}

func New(provider llm.Provider, logger logging.Logger) *Generator {
	return &Generator{provider: provider, logger: logger}
}

// Result is a generated chapter list and where its transcript came from.
type Result struct {
	Chapters         []models.Chapter
	TranscriptSource models.TranscriptSource
}

// Generate produces chapters for a video from its transcript.
func (g *Generator) Generate(ctx context.Context, title string, durationSeconds int, transcript string, source models.TranscriptSource) (*Result, error) {
	transcript = cleanTranscript(transcript)
	if len(transcript) < minTranscriptLength {
		return nil, ErrTranscriptTooShort
	}
	if len(transcript) > maxTranscriptLength {
		transcript = transcript[:maxTranscriptLength] + "..."
	}

	prompt := buildPrompt(title, durationSeconds, transcript)
	response, err := g.provider.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("chapter generation failed: %w", err)
	}

	chapters, err := parseChapters(response)
	if err != nil {
		return nil, err
	}

	g.logger.WithFields(logging.Fields{
		"title":    title,
		"chapters": len(chapters),
		"source":   source,
	}).Info("Chapters generated")

	return &Result{Chapters: chapters, TranscriptSource: source}, nil
}

var bracketNoise = regexp.MustCompile(`\[.*?\]`)
var whitespace = regexp.MustCompile(`\s+`)

// cleanTranscript strips caption noise like [Music] and collapses whitespace.
func cleanTranscript(transcript string) string {
	transcript = bracketNoise.ReplaceAllString(transcript, "")
	transcript = whitespace.ReplaceAllString(transcript, " ")
	return strings.TrimSpace(transcript)
}

func buildPrompt(title string, durationSeconds int, transcript string) string {
	return fmt.Sprintf(`Analyze this YouTube video transcript and create a chapter structure with timestamps.

Video Title: %s
Duration: %s
Transcript: %s

Create 5-15 chapters that:
1. Identify natural topic transitions
2. Have descriptive, engaging titles (5-8 words max)
3. Include brief 1-sentence descriptions
4. Are spaced at least 2 minutes apart (unless natural breaks)
5. Start with 00:00 timestamp

Return ONLY valid JSON:
{
  "chapters": [
    {
      "timestamp": "00:00",
      "title": "Introduction to Main Topic",
      "description": "Brief overview of what this section covers"
    }
  ]
}

No markdown, no code blocks, just JSON.`, title, FormatDuration(durationSeconds), transcript)
}

type chapterPayload struct {
	Chapters []models.Chapter `json:"chapters"`
}

// parseChapters extracts the chapter list from the model response, tolerating
// markdown code fences the model sometimes adds despite instructions.
func parseChapters(response string) ([]models.Chapter, error) {
	text := strings.TrimSpace(response)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var payload chapterPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChapters, err)
	}
	if len(payload.Chapters) == 0 {
		return nil, ErrInvalidChapters
	}

	chapters := make([]models.Chapter, 0, len(payload.Chapters))
	for _, ch := range payload.Chapters {
		if ch.Timestamp == "" {
			ch.Timestamp = "00:00"
		}
		if ch.Title == "" {
			ch.Title = "Untitled Chapter"
		}
		if len(ch.Title) > 100 {
			ch.Title = ch.Title[:100]
		}
		if len(ch.Description) > 200 {
			ch.Description = ch.Description[:200]
		}
		chapters = append(chapters, ch)
	}
	return chapters, nil
}

// FormatDuration renders seconds as H:MM:SS, or M:SS under an hour.
func FormatDuration(seconds int) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%d:%02d", minutes, secs)
}
