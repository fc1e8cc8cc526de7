package rag

import "strings"

// Default chunking geometry for profile indexing, measured in characters.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// ChunkProfile splits profile text into fixed-size overlapping character
// windows. Window count is deterministic for a given text and geometry, which
// the retrieval evaluation harness relies on.
func ChunkProfile(text string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 10
		}
	}

	runes := []rune(text)
	step := size - overlap

	chunks := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
