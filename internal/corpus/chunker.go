package corpus

import "strings"

// DefaultChunkWords is the word-count window used when splitting documents.
const DefaultChunkWords = 512

// Piece is one window produced by SplitWords, before it is assigned an id
// and a source during ingestion.
type Piece struct {
	Text string
	Span Span
}

// SplitWords splits text into fixed word-count windows. Spans are half-open
// word-index ranges and depend only on the text and the window size, so the
// same source chunked with the same parameters yields the same spans.
func SplitWords(text string, window int) []Piece {
	if window <= 0 {
		window = DefaultChunkWords
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	pieces := make([]Piece, 0, (len(words)+window-1)/window)
	for i := 0; i < len(words); i += window {
		end := i + window
		if end > len(words) {
			end = len(words)
		}
		pieces = append(pieces, Piece{
			Text: strings.Join(words[i:end], " "),
			Span: Span{i, end},
		})
	}

	return pieces
}
