package runstream

import "strings"

// Control blocks are provider-side tool invocations that occasionally leak
// into assistant prose. They are stripped from both text channels.
const (
	controlOpen  = "<tool_call>"
	controlClose = "</tool_call>"
)

// controlStripper removes control blocks from streamed text. Outside a
// block it withholds the longest suffix that could begin an opening tag;
// inside a block it discards text until the closing tag.
type controlStripper struct {
	inBlock bool
	carry   string
}

func (c *controlStripper) feed(chunk string) string {
	var out strings.Builder
	text := c.carry + chunk
	c.carry = ""
	for {
		if c.inBlock {
			i := strings.Index(text, controlClose)
			if i < 0 {
				// Keep enough tail to recognize a split closing tag.
				keep := tagPrefixSuffixLen(text, controlClose)
				c.carry = text[len(text)-keep:]
				return out.String()
			}
			text = text[i+len(controlClose):]
			c.inBlock = false
			continue
		}
		i := strings.Index(text, controlOpen)
		if i < 0 {
			keep := tagPrefixSuffixLen(text, controlOpen)
			out.WriteString(text[:len(text)-keep])
			c.carry = text[len(text)-keep:]
			return out.String()
		}
		out.WriteString(text[:i])
		text = text[i+len(controlOpen):]
		c.inBlock = true
	}
}

// flush drains withheld text at run end. A partial opening tag turned out
// to be plain prose; an unterminated block stays stripped.
func (c *controlStripper) flush() string {
	if c.inBlock {
		c.carry = ""
		return ""
	}
	v := c.carry
	c.carry = ""
	return v
}

func tagPrefixSuffixLen(text, tag string) int {
	max := len(tag) - 1
	if len(text) < max {
		max = len(text)
	}
	for l := max; l >= 1; l-- {
		if strings.HasSuffix(text, tag[:l]) {
			return l
		}
	}
	return 0
}

// stripControlBlocks is the batch equivalent of controlStripper: complete
// blocks are removed, an unterminated block is dropped to end of text.
func stripControlBlocks(s string) string {
	var out strings.Builder
	for {
		i := strings.Index(s, controlOpen)
		if i < 0 {
			out.WriteString(s)
			return out.String()
		}
		out.WriteString(s[:i])
		rest := s[i+len(controlOpen):]
		j := strings.Index(rest, controlClose)
		if j < 0 {
			return out.String()
		}
		s = rest[j+len(controlClose):]
	}
}

// sanitizeOutput is the batch reconstruction of the full pipeline: strip
// control blocks, then split at the trace boundary. Finalization compares
// its result against what streaming delivered and repairs divergence.
func sanitizeOutput(raw string) (visible, thinking string) {
	stripped := stripControlBlocks(raw)
	if i := strings.Index(stripped, traceMarker); i >= 0 {
		return stripped[:i], stripped[i+1:]
	}
	return stripped, ""
}
