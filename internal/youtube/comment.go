package youtube

import (
	"strings"

	"chaptr/pkg/models"
)

// FormatChapterComment renders the chapter list as a YouTube comment.
// YouTube turns the leading timestamps into clickable seek links.
func FormatChapterComment(chapters []models.Chapter) string {
	var b strings.Builder
	b.WriteString("📑 **Chapters:**\n\n")

	for _, chapter := range chapters {
		b.WriteString(chapter.Timestamp)
		b.WriteString(" - ")
		b.WriteString(chapter.Title)
		b.WriteString("\n")
	}

	b.WriteString("\n---\n⚡ Auto-chapterized by chaptr.app - Get the extension!")
	return b.String()
}
