package knowledge

import (
	"os"
	"strconv"
	"strings"
	"unicode"
)

const (
	defaultChunkWindow  = 500
	defaultChunkOverlap = 100
)

// Segment is one window of a chunked document. Start is the rune offset of
// the window inside the normalized text.
type Segment struct {
	Text       string
	Start      int
	TokenCount int
}

// Chunker splits text into overlapping windows of at most window runes.
// Consecutive windows share exactly overlap runes; only the last one may be
// shorter than the others.
type Chunker struct {
	window  int
	overlap int
}

func NewChunker(window int, overlap int) *Chunker {
	if window <= 0 {
		window = defaultChunkWindow
	}
	if overlap < 0 || overlap >= window {
		overlap = window / 5
	}
	return &Chunker{window: window, overlap: overlap}
}

func NewChunkerFromEnv() *Chunker {
	return NewChunker(readIntEnv("KNOWLEDGE_CHUNK_WINDOW", defaultChunkWindow), readIntEnvMin("KNOWLEDGE_CHUNK_OVERLAP", defaultChunkOverlap, 0))
}

func (c *Chunker) Window() int  { return c.window }
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the windows of text in order. Empty or blank input yields no
// segments. Calling Split again on the same text returns the same windows.
func (c *Chunker) Split(text string) []Segment {
	cleaned := strings.TrimSpace(normalizeNewlines(text))
	if cleaned == "" {
		return nil
	}

	runes := []rune(cleaned)
	total := len(runes)

	segments := make([]Segment, 0, total/(c.window-c.overlap)+1)
	start := 0
	for {
		end := start + c.window
		if end >= total {
			end = total
		} else {
			// the cut must leave more than overlap runes so the next window advances
			end = findBoundary(runes, start+c.overlap+1, end)
		}
		chunkText := string(runes[start:end])
		segments = append(segments, Segment{
			Text:       chunkText,
			Start:      start,
			TokenCount: estimateTokenCount(chunkText),
		})
		if end == total {
			return segments
		}
		start = end - c.overlap
	}
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	return replaced
}

// findBoundary returns the best cut position in (min, max]. Paragraph breaks
// win over line breaks, line breaks over sentence ends, sentence ends over
// whitespace. Without any boundary the window is cut hard at max.
func findBoundary(runes []rune, min int, max int) int {
	if min < 1 {
		min = 1
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return max
	}

	for i := max - 1; i >= min; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := max - 1; i >= min; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	for i := max - 1; i >= min; i-- {
		switch runes[i] {
		case '.', '!', '?', '。', '！', '？':
			return i + 1
		}
	}
	for i := max - 1; i >= min; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return max
}

func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	wordCount := len(words)
	runeCount := len([]rune(trimmed))
	estimate := wordCount + runeCount/3
	if estimate < wordCount {
		estimate = wordCount
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}

// readIntEnv returns a positive integer from key, or fallback.
func readIntEnv(key string, fallback int) int {
	return readIntEnvMin(key, fallback, 1)
}

func readIntEnvMin(key string, fallback, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}
