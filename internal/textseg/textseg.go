// Package textseg splits long text into provider-sized chunks at natural
// boundaries.
package textseg

import (
	"strings"
	"unicode"
)

const (
	minChunkLength    = 100
	minWordSplitIndex = 50
)

var (
	sentenceTerminators = []string{". ", ".\n", "! ", "!\n", "? ", "?\n"}
	clauseSeparators    = []string{", ", "; ", ": "}
)

// Chunk splits text into chunks of at most maxLength runes. It prefers
// sentence ends, then clause separators, then word boundaries, and only cuts
// mid-word when nothing else fits. Whitespace at chunk boundaries is dropped.
// A maxLength of zero or less means no limit: the trimmed text comes back as
// a single chunk.
func Chunk(text string, maxLength int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	remaining := []rune(text)
	if maxLength <= 0 || len(remaining) <= maxLength {
		return []string{text}
	}

	minSentence := min(minChunkLength, maxLength/2)
	minWord := min(minWordSplitIndex, maxLength/4)

	var chunks []string
	for len(remaining) > 0 {
		if len(remaining) <= maxLength {
			if chunk := strings.TrimSpace(string(remaining)); chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}
		window := remaining[:maxLength]
		split := lastSentenceBreak(window, minSentence)
		if split < 0 {
			split = lastSeparator(window, clauseSeparators, minSentence)
		}
		if split < 0 {
			split = lastSpace(window, minWord)
		}
		if split <= 0 {
			split = maxLength
		}
		if chunk := strings.TrimSpace(string(remaining[:split])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = trimLeftSpace(remaining[split:])
	}
	return chunks
}

// lastSentenceBreak returns the split index after the last sentence
// terminator or paragraph break whose chunk would be at least minLen long.
func lastSentenceBreak(window []rune, minLen int) int {
	best := lastSeparator(window, sentenceTerminators, minLen)
	for i := len(window) - 2; i >= minLen && i > best; i-- {
		if window[i] == '\n' && window[i+1] == '\n' {
			return i
		}
	}
	return best
}

// lastSeparator finds the rightmost two-rune separator and returns the index
// just past its punctuation mark.
func lastSeparator(window []rune, seps []string, minLen int) int {
	for i := len(window) - 2; i >= 0; i-- {
		split := i + 1
		if split < minLen {
			return -1
		}
		for _, sep := range seps {
			r := []rune(sep)
			if window[i] == r[0] && window[i+1] == r[1] {
				return split
			}
		}
	}
	return -1
}

func lastSpace(window []rune, minIndex int) int {
	for i := len(window) - 1; i > minIndex; i-- {
		if window[i] == ' ' {
			return i
		}
	}
	return -1
}

func trimLeftSpace(r []rune) []rune {
	for len(r) > 0 && unicode.IsSpace(r[0]) {
		r = r[1:]
	}
	return r
}
