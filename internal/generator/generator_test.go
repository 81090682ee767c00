package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chaptr/pkg/llm"
	"chaptr/pkg/logging"
	"chaptr/pkg/models"
)

type stubProvider struct {
	response string
	err      error
	prompt   string
}

func (s *stubProvider) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) > 0 {
		s.prompt = messages[len(messages)-1].Content
	}
	return s.response, s.err
}

func longTranscript() string {
	return strings.Repeat("welcome back everyone today we are talking about credit systems ", 10)
}

func TestGenerate(t *testing.T) {
	provider := &stubProvider{response: `{"chapters":[{"timestamp":"00:00","title":"Intro","description":"Opening"},{"timestamp":"02:30","title":"Deep dive","description":"The details"}]}`}
	g := New(provider, logging.NewLogger())

	result, err := g.Generate(context.Background(), "Test Video", 600, longTranscript(), models.TranscriptYouTubeNative)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(result.Chapters))
	}
	if result.Chapters[0].Timestamp != "00:00" {
		t.Errorf("expected first chapter at 00:00, got %q", result.Chapters[0].Timestamp)
	}
	if result.TranscriptSource != models.TranscriptYouTubeNative {
		t.Errorf("unexpected transcript source %q", result.TranscriptSource)
	}
	if !strings.Contains(provider.prompt, "Test Video") {
		t.Error("prompt missing video title")
	}
	if !strings.Contains(provider.prompt, "10:00") {
		t.Error("prompt missing formatted duration")
	}
}

func TestGenerateToleratesCodeFences(t *testing.T) {
	provider := &stubProvider{response: "```json\n{\"chapters\":[{\"timestamp\":\"00:00\",\"title\":\"Intro\"}]}\n```"}
	g := New(provider, logging.NewLogger())

	result, err := g.Generate(context.Background(), "Video", 300, longTranscript(), models.TranscriptYouTubeNative)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Chapters) != 1 {
		t.Fatalf("expected 1 chapter, got %d", len(result.Chapters))
	}
}

func TestGenerateRejectsShortTranscript(t *testing.T) {
	g := New(&stubProvider{}, logging.NewLogger())
	_, err := g.Generate(context.Background(), "Video", 300, "[Music] hi", models.TranscriptYouTubeNative)
	if !errors.Is(err, ErrTranscriptTooShort) {
		t.Fatalf("expected ErrTranscriptTooShort, got %v", err)
	}
}

func TestGenerateRejectsGarbageResponse(t *testing.T) {
	provider := &stubProvider{response: "I could not chapterize this video, sorry."}
	g := New(provider, logging.NewLogger())
	_, err := g.Generate(context.Background(), "Video", 300, longTranscript(), models.TranscriptYouTubeNative)
	if !errors.Is(err, ErrInvalidChapters) {
		t.Fatalf("expected ErrInvalidChapters, got %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{90, "1:30"},
		{3723, "1:02:03"},
		{45, "0:45"},
		{3600, "1:00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.seconds); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}
