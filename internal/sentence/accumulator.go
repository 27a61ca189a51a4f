// Package sentence extracts complete sentences from text that arrives in
// small deltas, such as a streaming LLM response.
package sentence

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinLength is the shortest sentence emitted on its own.
const DefaultMinLength = 10

var abbreviations = map[string]struct{}{}

func init() {
	for _, a := range []string{
		"Dr.", "Mr.", "Mrs.", "Ms.", "Prof.", "Sr.", "Jr.", "vs.", "etc.", "i.e.", "e.g.", "cf.", "al.",
		"Inc.", "Ltd.", "Corp.", "Co.",
		"Jan.", "Feb.", "Mar.", "Apr.", "Jun.", "Jul.", "Aug.", "Sep.", "Sept.", "Oct.", "Nov.", "Dec.",
		"Mon.", "Tue.", "Tues.", "Wed.", "Thu.", "Thurs.", "Fri.", "Sat.", "Sun.",
		"St.", "Ave.", "Blvd.", "Rd.", "Apt.", "No.", "U.S.", "U.K.", "E.U.",
	} {
		abbreviations[a] = struct{}{}
	}
}

// Accumulator buffers text deltas and hands back whole sentences. It is not
// safe for concurrent use.
type Accumulator struct {
	minLength int
	buf       []byte
	// scanned is the offset up to which boundaries were already evaluated.
	scanned int
}

// NewAccumulator returns an accumulator that emits sentences of at least
// minLength runes. Non-positive values use DefaultMinLength.
func NewAccumulator(minLength int) *Accumulator {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return &Accumulator{minLength: minLength}
}

// Accumulate appends delta and returns every sentence completed by it.
func (a *Accumulator) Accumulate(delta string) []string {
	if delta == "" {
		return nil
	}
	a.buf = append(a.buf, delta...)

	var sentences []string
	start := 0
	i := a.scanned
	for i < len(a.buf)-1 {
		end, next, ok := a.boundaryAt(start, i)
		if !ok {
			i++
			continue
		}
		candidate := strings.TrimSpace(string(a.buf[start:end]))
		switch {
		case candidate == "":
			start = next
		case utf8.RuneCountInString(candidate) >= a.minLength:
			sentences = append(sentences, candidate)
			start = next
		case len(sentences) > 0:
			sentences[len(sentences)-1] += " " + candidate
			start = next
		}
		// A short first fragment keeps start in place so that it prefixes
		// the next candidate.
		i = next
	}

	if start > 0 {
		a.buf = append(a.buf[:0], a.buf[start:]...)
		i -= start
	}
	a.scanned = max(i, 0)
	return sentences
}

// boundaryAt reports whether a sentence ends at offset i. end is the
// exclusive end of the sentence text and next is where scanning resumes.
func (a *Accumulator) boundaryAt(start, i int) (end, next int, ok bool) {
	c, n := a.buf[i], a.buf[i+1]
	switch c {
	case '.':
		if !isSpace(n) || a.isAbbreviation(start, i) {
			return 0, 0, false
		}
		return i + 1, i + 1, true
	case '!', '?':
		if !isSpace(n) {
			return 0, 0, false
		}
		return i + 1, i + 1, true
	case '\n':
		if n != '\n' {
			return 0, 0, false
		}
		return i, i + 2, true
	}
	return 0, 0, false
}

// isAbbreviation checks the word ending at the period at offset dot.
func (a *Accumulator) isAbbreviation(start, dot int) bool {
	j := dot
	for j > start && !isSpace(a.buf[j-1]) {
		j--
	}
	word := strings.TrimLeft(string(a.buf[j:dot+1]), "([{\"'“‘")
	_, ok := abbreviations[word]
	return ok
}

// Flush returns any remaining buffered text and clears the buffer.
func (a *Accumulator) Flush() (string, bool) {
	rest := strings.TrimSpace(string(a.buf))
	a.Reset()
	return rest, rest != ""
}

// Reset discards buffered text.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.scanned = 0
}

func isSpace(b byte) bool {
	return b < utf8.RuneSelf && unicode.IsSpace(rune(b))
}
