package secstream

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// SanitizeText normalizes whitespace issues common in scraped filing text:
// Windows line endings, escaped newlines, runs of blank lines, tabs, and
// stray spacing around lines and colons.
func SanitizeText(text string) string {
	var builder strings.Builder
	builder.Grow(len(text))
	var lastRune rune
	for _, r := range text {
		switch {
		case r == '\r':
			// Silently drop Windows `\r`.
			continue
		case r == '\n' && lastRune == '\n':
			// Drop additional newlines.
			continue
		case r == 'n' && lastRune == '\\':
			// Replace escaped `\n` with `\n`.
			trimmed := builder.String()
			builder.Reset()
			builder.WriteString(trimmed[:len(trimmed)-1])
			r = '\n'
		case r == '\t':
			r = ' '
		}
		builder.WriteRune(r)
		lastRune = r
	}
	lines := strings.Split(builder.String(), "\n")
	for lineIdx := range lines {
		line := whitespaceRegex.ReplaceAllString(lines[lineIdx], " ")
		line = strings.TrimSpace(line)
		line = strings.ReplaceAll(line, " :", ":")
		lines[lineIdx] = line
	}
	return strings.Join(lines, "\n")
}
