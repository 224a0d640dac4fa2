package realtime

import (
	"fmt"
	"html"
	"strings"
	"unicode"
)

// sanitizeContent validates and normalizes a message body: trimmed,
// non-empty, within the byte budget, control characters stripped, and all
// markup escaped. Escaping everything is the safe subset — rendering rich
// text is the client's call, and it can unescape what it chooses to support.
func sanitizeContent(raw string, maxBytes int) (string, *RequestError) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", errValidation("message content is empty")
	}
	if len(content) > maxBytes {
		return "", errValidation(fmt.Sprintf("message exceeds %d bytes", maxBytes))
	}

	content = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, content)

	content = html.EscapeString(content)
	if strings.TrimSpace(content) == "" {
		return "", errValidation("message content is empty")
	}
	return content, nil
}

// sanitizeEmoji bounds a reaction to something emoji-shaped: short and free
// of markup. Full emoji validation belongs to the client; the server only
// refuses abuse.
func sanitizeEmoji(raw string) (string, *RequestError) {
	emoji := strings.TrimSpace(raw)
	if emoji == "" {
		return "", errValidation("emoji is empty")
	}
	if len(emoji) > 32 {
		return "", errValidation("emoji too long")
	}
	if strings.ContainsAny(emoji, "<>&\"'") {
		return "", errValidation("emoji contains invalid characters")
	}
	return emoji, nil
}
