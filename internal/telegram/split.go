package telegram

import "strings"

// Split breaks text into chunks of at most limit runes, preferring to
// cut at a paragraph break in the back half of a chunk, then a line
// break, then a space. The separator at a cut is dropped.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut, skip := cutPoint(runes[:limit+1])
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut+skip:]
	}
	if chunk := strings.TrimSpace(string(runes)); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// cutPoint picks where to end a chunk within window, whose last rune
// is the first one past the limit. It returns the chunk length and how
// many separator runes to drop after it.
func cutPoint(window []rune) (cut, skip int) {
	for i := len(window) - 1; i > len(window)/2; i-- {
		if window[i] == '\n' && window[i-1] == '\n' {
			return i - 1, 2
		}
	}
	for _, sep := range []rune{'\n', ' '} {
		for i := len(window) - 1; i > 0; i-- {
			if window[i] == sep {
				return i, 1
			}
		}
	}
	return len(window) - 1, 0
}
