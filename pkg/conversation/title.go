package conversation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	fallbackTitleRunes     = 15
	minFallbackTitleRunes  = 5
	minGeneratedTitleRunes = 2
	titleEllipsis          = "..."
)

// FallbackTitle derives a title from the first user message: its first 15
// characters, with an ellipsis when truncated. Titles shorter than 5
// characters, or conversations without a user message, get a date title.
func FallbackTitle(messages []Message, now time.Time) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		content := strings.TrimSpace(m.Content)
		runes := []rune(content)
		title := content
		if len(runes) > fallbackTitleRunes {
			title = string(runes[:fallbackTitleRunes]) + titleEllipsis
		}
		if utf8.RuneCountInString(title) < minFallbackTitleRunes {
			return DateTitle(now)
		}
		return title
	}
	return DateTitle(now)
}

func DateTitle(now time.Time) string {
	return fmt.Sprintf("Conversation %s", now.Format("2006-01-02"))
}

// PlausibleTitle reports whether a remotely generated title is usable.
func PlausibleTitle(title string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(title)) >= minGeneratedTitleRunes
}

// DefaultTitle numbers new conversations after the existing ones.
func DefaultTitle(existing int) string {
	return fmt.Sprintf("Conversation %d", existing+1)
}
