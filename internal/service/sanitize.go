package service

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxPromptFieldLen caps one string field of an agent input.
const maxPromptFieldLen = 16000

// roleMarkers are line prefixes that read as a chat role switch.
var roleMarkers = []string{
	"system:", "assistant:", "user:", "[system]", "[assistant]",
	"<|system|>", "<|assistant|>", "<|im_start|>",
	"### system", "### assistant", "### instruction",
}

// sanitizePromptInput strips control characters and neutralises role
// markers in user or crawled text before it is rendered into a prompt.
func sanitizePromptInput(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.ToLower(line))
		for _, prefix := range roleMarkers {
			if strings.HasPrefix(trimmed, prefix) {
				lines[i] = "[sanitized] " + line
				break
			}
		}
	}
	s = strings.Join(lines, "\n")

	if len(s) > maxPromptFieldLen {
		cut := maxPromptFieldLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "\n[truncated]"
	}
	return s
}

// sanitizeDoc applies sanitizePromptInput to every string in a decoded
// JSON document.
func sanitizeDoc(v any) any {
	switch t := v.(type) {
	case string:
		return sanitizePromptInput(t)
	case []any:
		for i := range t {
			t[i] = sanitizeDoc(t[i])
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = sanitizeDoc(item)
		}
		return t
	}
	return v
}
