package ingest

import (
	"strings"
)

// Default splitter geometry: chunks of about 500 characters with about
// 100 characters of overlap carried into the next chunk.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

// separators are tried in order: paragraph, line, sentence, word.
// The empty separator is the hard-cut fallback for unbroken runs.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter divides text into overlapping chunks, preferring paragraph,
// sentence and word boundaries.
type Splitter struct {
	size    int
	overlap int
}

// NewSplitter creates a splitter with the given geometry. Non-positive
// size or negative overlap fall back to the defaults.
func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	return &Splitter{size: size, overlap: overlap}
}

// Split divides text into chunks. Whitespace-only input yields no
// chunks. Every returned chunk is non-empty after trimming.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	fragments := s.fragment(text, 0)
	return s.merge(fragments)
}

// fragment recursively breaks text into pieces no longer than size,
// trying the separator at sepIndex first and descending on oversized
// pieces.
func (s *Splitter) fragment(text string, sepIndex int) []string {
	if len(text) <= s.size {
		return []string{text}
	}
	if sepIndex >= len(separators) {
		return hardCut(text, s.size)
	}

	sep := separators[sepIndex]
	if sep == "" {
		return hardCut(text, s.size)
	}

	parts := splitKeepSeparator(text, sep)
	if len(parts) == 1 {
		// Separator absent; try the next finer one.
		return s.fragment(text, sepIndex+1)
	}

	var out []string
	for _, part := range parts {
		if len(part) <= s.size {
			out = append(out, part)
			continue
		}
		out = append(out, s.fragment(part, sepIndex+1)...)
	}
	return out
}

// merge greedily packs fragments into chunks of about size characters,
// seeding each subsequent chunk with the overlap tail of its
// predecessor. A chunk is flushed before a fragment that would take it
// past size, but the seeded tail counts toward the next chunk, so a
// chunk can reach size plus the overlap.
func (s *Splitter) merge(fragments []string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		tail := overlapTail(current.String(), s.overlap)
		current.Reset()
		current.WriteString(tail)
	}

	for _, frag := range fragments {
		if current.Len() > 0 && current.Len()+len(frag) > s.size {
			flush()
		}
		current.WriteString(frag)
	}

	if strings.TrimSpace(current.String()) != "" {
		chunk := strings.TrimSpace(current.String())
		// The trailing window may be pure overlap already emitted.
		if len(chunks) == 0 || !strings.HasSuffix(chunks[len(chunks)-1], chunk) {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// overlapTail returns the last overlap characters, extended left to the
// nearest word boundary so chunks never start mid-word.
func overlapTail(text string, overlap int) string {
	if overlap <= 0 || len(text) <= overlap {
		if overlap <= 0 {
			return ""
		}
		return text
	}
	tail := text[len(text)-overlap:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}

// splitKeepSeparator splits text on sep, keeping the separator attached
// to the preceding piece so no characters are lost.
func splitKeepSeparator(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	// SplitAfter may produce a trailing empty piece.
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// hardCut slices text into size-length pieces with no boundary respect.
func hardCut(text string, size int) []string {
	var out []string
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
