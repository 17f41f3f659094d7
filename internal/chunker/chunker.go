package chunker

import (
	"strings"
)

// Tokens are approximated by whitespace-delimited words throughout the service.

// Options controls how text is chunked.
type Options struct {
	MaxTokens int
	Overlap   int
}

// DefaultOptions is the window used when ingesting documents into a collection.
var DefaultOptions = Options{MaxTokens: 400, Overlap: 80}

// Chunk represents a slice of the document text.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
}

// CountTokens returns the number of whitespace-delimited tokens in text.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// TruncateTokens keeps the first max tokens of text. Text already within budget is
// returned unchanged; otherwise the kept tokens are re-joined with single spaces.
func TruncateTokens(text string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	words := strings.Fields(text)
	if len(words) <= max {
		return text, false
	}
	return strings.Join(words[:max], " "), true
}

// ChunkText performs a token-based sliding window with overlap.
func ChunkText(text string, opts Options) []Chunk {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultOptions.MaxTokens
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}

	words := strings.Fields(text)
	var chunks []Chunk
	if len(words) == 0 {
		return chunks
	}

	step := opts.MaxTokens - opts.Overlap
	if step <= 0 {
		step = opts.MaxTokens
	}

	for start := 0; start < len(words); start += step {
		end := start + opts.MaxTokens
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       strings.Join(words[start:end], " "),
			TokenCount: end - start,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
