package gateway

import (
	"strconv"
	"strings"
)

// Disposition classifies why a channel went away. It drives the reconnect
// supervisor: Intentional stops it, SlowConsumer reconnects immediately,
// AuthFailure fails permanently, Unexpected follows the backoff ladder.
type Disposition int

const (
	DispositionUnexpected Disposition = iota
	DispositionIntentional
	DispositionSlowConsumer
	DispositionAuthFailure
)

func (d Disposition) String() string {
	switch d {
	case DispositionIntentional:
		return "intentional"
	case DispositionSlowConsumer:
		return "slow-consumer"
	case DispositionAuthFailure:
		return "auth-failure"
	default:
		return "unexpected"
	}
}

// ClassifyDisconnect maps a disconnect reason to a Disposition. It is pure
// and total: every (reason, intentional) pair maps to exactly one value.
//
// Precedence: an explicit intentional flag wins, then a close code embedded
// in the reason text, then substring heuristics, then Unexpected.
func ClassifyDisconnect(reason string, intentional bool) Disposition {
	if intentional {
		return DispositionIntentional
	}
	if code, ok := extractCloseCode(reason); ok {
		switch code {
		case 1008:
			if looksLikeSlowConsumer(reason) {
				return DispositionSlowConsumer
			}
			return DispositionAuthFailure
		case 1000, 1001, 1006:
			// 1000 without the intentional flag means the peer closed a
			// channel we still wanted; treat it like any other surprise.
			return DispositionUnexpected
		}
	}
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "auth") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") {
		return DispositionAuthFailure
	}
	if strings.Contains(lower, "slow consumer") {
		return DispositionSlowConsumer
	}
	return DispositionUnexpected
}

// extractCloseCode finds a websocket close code in free-form reason text.
// Accepted shapes: "code=NNNN", "(NNNN)", or a bare 4-digit token in the
// standard close-code range.
func extractCloseCode(reason string) (int, bool) {
	if i := strings.Index(reason, "code="); i >= 0 {
		if code, ok := parseCodeAt(reason[i+len("code="):]); ok {
			return code, true
		}
	}
	if i := strings.Index(reason, "("); i >= 0 {
		if code, ok := parseCodeAt(reason[i+1:]); ok {
			return code, true
		}
	}
	for _, tok := range strings.FieldsFunc(reason, func(r rune) bool {
		return r < '0' || r > '9'
	}) {
		if len(tok) == 4 {
			if code, err := strconv.Atoi(tok); err == nil && code >= 1000 && code < 5000 {
				return code, true
			}
		}
	}
	return 0, false
}

func parseCodeAt(s string) (int, bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(s[:end])
	if err != nil || code < 1000 || code >= 5000 {
		return 0, false
	}
	return code, true
}
