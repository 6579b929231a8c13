package runstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// feedAll runs the scanner over chunks and collects both channels, flushing
// the carry at the end the way run finalization does.
func feedAll(chunks []string) (visible, thinking string) {
	var s boundaryScanner
	var vis, think strings.Builder
	for _, c := range chunks {
		v, th := s.feed(c)
		vis.WriteString(v)
		think.WriteString(th)
	}
	vis.WriteString(s.flush())
	return vis.String(), think.String()
}

func TestBoundarySingleChunk(t *testing.T) {
	visible, thinking := feedAll([]string{"Hello\nSystem:\nworld"})
	assert.Equal(t, "Hello", visible)
	assert.Equal(t, "System:\nworld", thinking)
}

func TestBoundaryAnySplit(t *testing.T) {
	const input = "Hello\nSystem:\nworld"
	for cut := 1; cut < len(input); cut++ {
		visible, thinking := feedAll([]string{input[:cut], input[cut:]})
		assert.Equal(t, "Hello", visible, "split at %d", cut)
		assert.Equal(t, "System:\nworld", thinking, "split at %d", cut)
	}
}

func TestBoundaryByteByByte(t *testing.T) {
	const input = "Hello\nSystem:\nworld"
	chunks := make([]string, 0, len(input))
	for i := 0; i < len(input); i++ {
		chunks = append(chunks, input[i:i+1])
	}
	visible, thinking := feedAll(chunks)
	assert.Equal(t, "Hello", visible)
	assert.Equal(t, "System:\nworld", thinking)
}

func TestBoundaryNeverCrossed(t *testing.T) {
	visible, thinking := feedAll([]string{"just ", "plain ", "text"})
	assert.Equal(t, "just plain text", visible)
	assert.Empty(t, thinking)
}

func TestBoundaryFalseStartFlushes(t *testing.T) {
	// "\nSys" looks like the marker starting but "tem " breaks it; the
	// withheld text must come back out as visible.
	visible, thinking := feedAll([]string{"a\nSys", "tem is fine"})
	assert.Equal(t, "a\nSystem is fine", visible)
	assert.Empty(t, thinking)
}

func TestBoundaryPartialMarkerAtEnd(t *testing.T) {
	var s boundaryScanner
	v, th := s.feed("Hello\nSystem:")
	assert.Equal(t, "Hello", v)
	assert.Empty(t, th)
	assert.Equal(t, "\nSystem:", s.carry, "longest marker prefix withheld")
	assert.Equal(t, "\nSystem:", s.flush())
}

func TestBoundaryAllTextAfterCrossingIsThinking(t *testing.T) {
	var s boundaryScanner
	s.feed("x\nSystem:\n")
	v, th := s.feed("later text\nmore")
	assert.Empty(t, v)
	assert.Equal(t, "later text\nmore", th)
}

func TestMarkerPrefixSuffixLenLongestFirst(t *testing.T) {
	// "abc\n" ends with "\n" (marker prefix, length 1).
	assert.Equal(t, 1, markerPrefixSuffixLen("abc\n"))
	// The whole marker is never withheld; only strict prefixes are.
	assert.Equal(t, 0, markerPrefixSuffixLen("no match"))
	assert.Equal(t, len("\nSystem:"), markerPrefixSuffixLen("text\nSystem:"))
	// A newline right after a broken candidate restarts the match.
	assert.Equal(t, 1, markerPrefixSuffixLen("\nSystem?\n"))
}
