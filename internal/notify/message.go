package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxBodyRunes keeps push bodies short enough for lock screens.
const maxBodyRunes = 240

// FormatItemMessage creates the body for a message that arrived while the
// feed was hidden.
func FormatItemMessage(author, content string, hasFile bool) string {
	var sb strings.Builder

	if author != "" {
		sb.WriteString(author)
		sb.WriteString(": ")
	}

	content = strings.TrimSpace(content)
	switch {
	case content != "":
		sb.WriteString(truncate(content, maxBodyRunes))
	case hasFile:
		sb.WriteString("sent an attachment")
	default:
		sb.WriteString("sent a message")
	}

	return sb.String()
}

// FormatStalledMessage creates the body for a feed that keeps failing.
func FormatStalledMessage(feedID string, failures int, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Feed: %s\n", feedID))
	sb.WriteString(fmt.Sprintf("Consecutive failures: %d", failures))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nLast error: %v", err))
	}

	return sb.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
