package runstream

import "strings"

// traceMarker separates user-facing prose from internal trace output in
// assistant text. Everything from the marker onward, for the rest of the
// run, belongs to the thinking channel.
const traceMarker = "\nSystem:\n"

// boundaryScanner splits assistant text at the trace marker. Because the
// marker can straddle chunk boundaries, the scanner withholds the longest
// suffix of seen text that is a strict prefix of the marker and flushes it
// with the next chunk or at run end.
type boundaryScanner struct {
	crossed bool
	carry   string
}

// feed consumes one chunk and returns the visible and thinking portions it
// releases. Either may be empty.
func (s *boundaryScanner) feed(chunk string) (visible, thinking string) {
	if s.crossed {
		return "", chunk
	}
	text := s.carry + chunk
	if i := strings.Index(text, traceMarker); i >= 0 {
		s.crossed = true
		s.carry = ""
		// The marker's leading newline terminates the visible prose; the
		// trace text starts at "System:".
		return text[:i], text[i+1:]
	}
	keep := markerPrefixSuffixLen(text)
	s.carry = text[len(text)-keep:]
	return text[:len(text)-keep], ""
}

// flush releases any withheld partial-marker text as visible content.
func (s *boundaryScanner) flush() string {
	v := s.carry
	s.carry = ""
	return v
}

// markerPrefixSuffixLen is the length of the longest suffix of text that is
// a strict prefix of the marker, checked longest-candidate-first.
func markerPrefixSuffixLen(text string) int {
	max := len(traceMarker) - 1
	if len(text) < max {
		max = len(text)
	}
	for l := max; l >= 1; l-- {
		if strings.HasSuffix(text, traceMarker[:l]) {
			return l
		}
	}
	return 0
}
