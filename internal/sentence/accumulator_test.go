package sentence

import (
	"reflect"
	"strings"
	"testing"
)

func collect(a *Accumulator, deltas ...string) []string {
	var out []string
	for _, d := range deltas {
		out = append(out, a.Accumulate(d)...)
	}
	if rest, ok := a.Flush(); ok {
		out = append(out, rest)
	}
	return out
}

func bytewise(s string) []string {
	parts := make([]string, 0, len(s))
	for i := 0; i < len(s); i++ {
		parts = append(parts, s[i:i+1])
	}
	return parts
}

func TestAbbreviationIsNotBoundary(t *testing.T) {
	a := NewAccumulator(10)
	got := a.Accumulate("Dr. Smith went home. ")
	if !reflect.DeepEqual(got, []string{"Dr. Smith went home."}) {
		t.Fatalf("unexpected sentences: %q", got)
	}
	if rest, ok := a.Flush(); ok {
		t.Fatalf("expected empty buffer, got %q", rest)
	}
}

func TestBoundaryRequiresFollowingWhitespace(t *testing.T) {
	a := NewAccumulator(5)
	if got := a.Accumulate("It costs 3.5 dollars."); len(got) != 0 {
		t.Fatalf("expected no sentence before trailing whitespace, got %q", got)
	}
	got := a.Accumulate(" Next")
	if !reflect.DeepEqual(got, []string{"It costs 3.5 dollars."}) {
		t.Fatalf("unexpected sentences: %q", got)
	}
	rest, ok := a.Flush()
	if !ok || rest != "Next" {
		t.Fatalf("unexpected flush %q", rest)
	}
}

func TestShortFragmentMergesIntoPrevious(t *testing.T) {
	a := NewAccumulator(10)
	got := a.Accumulate("This sentence is long enough. Ok. ")
	if !reflect.DeepEqual(got, []string{"This sentence is long enough. Ok."}) {
		t.Fatalf("unexpected sentences: %q", got)
	}
}

func TestShortLeadingFragmentStaysBuffered(t *testing.T) {
	a := NewAccumulator(10)
	if got := a.Accumulate("Hi. "); len(got) != 0 {
		t.Fatalf("expected fragment to stay buffered, got %q", got)
	}
	got := a.Accumulate("This part is longer. ")
	if !reflect.DeepEqual(got, []string{"Hi. This part is longer."}) {
		t.Fatalf("unexpected sentences: %q", got)
	}
}

func TestParagraphBreak(t *testing.T) {
	a := NewAccumulator(5)
	got := a.Accumulate("Heading line\n\nBody starts here")
	if !reflect.DeepEqual(got, []string{"Heading line"}) {
		t.Fatalf("unexpected sentences: %q", got)
	}
	rest, _ := a.Flush()
	if rest != "Body starts here" {
		t.Fatalf("unexpected flush %q", rest)
	}
}

func TestQuestionAndExclamation(t *testing.T) {
	got := collect(NewAccumulator(5), "Are you there? Yes I am! Good.")
	want := []string{"Are you there?", "Yes I am!", "Good."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestIncrementalMatchesWhole(t *testing.T) {
	text := "Dr. Watson arrived at 221B Baker St. in London. The weather was grim, e.g. rain and fog! " +
		"Was anyone surprised? Nobody in the U.S. embassy was.\n\nA new chapter begins here. The end."

	whole := collect(NewAccumulator(10), text)
	incremental := collect(NewAccumulator(10), bytewise(text)...)
	if !reflect.DeepEqual(whole, incremental) {
		t.Fatalf("incremental mismatch:\nwhole:       %q\nincremental: %q", whole, incremental)
	}

	chunked := collect(NewAccumulator(10), "Dr. Wat", "son arrived at 221B Baker St", ". in London. The weather was grim, e.", "g. rain and fog! Was anyone surprised? Nobody in the U.S. embassy was.\n", "\nA new chapter begins here. The end.")
	if !reflect.DeepEqual(whole, chunked) {
		t.Fatalf("chunked mismatch:\nwhole:   %q\nchunked: %q", whole, chunked)
	}
}

func TestIncrementalPreservesContentWithShortFragments(t *testing.T) {
	text := "This sentence is long enough. Ok. Another full sentence follows. No. Fine then, goodbye."
	whole := collect(NewAccumulator(10), text)
	incremental := collect(NewAccumulator(10), bytewise(text)...)
	norm := func(s []string) string { return strings.Join(strings.Fields(strings.Join(s, " ")), " ") }
	if norm(whole) != norm(incremental) {
		t.Fatalf("content mismatch:\n%q\n%q", whole, incremental)
	}
	if norm(whole) != text {
		t.Fatalf("content lost: %q", norm(whole))
	}
}

func TestResetDropsBuffer(t *testing.T) {
	a := NewAccumulator(5)
	a.Accumulate("partial text without end")
	a.Reset()
	if rest, ok := a.Flush(); ok {
		t.Fatalf("expected nothing after reset, got %q", rest)
	}
}
