// Package runstream turns the noisy event stream of a single gateway run
// into ordered, monotonic text: visible increments, thinking increments,
// tool-call records, and exactly one terminal outcome.
package runstream

import "strings"

// Outcome classifies how a new payload relates to the stored text.
type Outcome int

const (
	// OutcomeUnchanged means the payload added nothing new.
	OutcomeUnchanged Outcome = iota
	// OutcomeAppend means the payload extends the stored text; the
	// resolution carries the exact suffix to emit.
	OutcomeAppend
	// OutcomeRegressed means the new snapshot is a truncation of the
	// stored text. The consumer's text is replaced, never rewound.
	OutcomeRegressed
	// OutcomeRewritten means the new snapshot diverges from the stored
	// text entirely. Handled like a regression.
	OutcomeRewritten
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppend:
		return "append"
	case OutcomeRegressed:
		return "regressed"
	case OutcomeRewritten:
		return "rewritten"
	default:
		return "unchanged"
	}
}

// Resolution is the result of reconciling one payload against stored text.
// Increment is set for Append; Snapshot is the new stored text in every
// case and doubles as the replacement text for Regressed/Rewritten.
type Resolution struct {
	Outcome   Outcome
	Increment string
	Snapshot  string
}

// resolveSnapshot reconciles a cumulative snapshot payload against the
// previously stored snapshot for a text channel.
func resolveSnapshot(prev, next string) Resolution {
	switch {
	case next == prev:
		return Resolution{Outcome: OutcomeUnchanged, Snapshot: prev}
	case strings.HasPrefix(next, prev):
		return Resolution{Outcome: OutcomeAppend, Increment: next[len(prev):], Snapshot: next}
	case strings.HasPrefix(prev, next):
		return Resolution{Outcome: OutcomeRegressed, Snapshot: next}
	default:
		return Resolution{Outcome: OutcomeRewritten, Snapshot: next}
	}
}

// resolveDelta reconciles an incremental delta payload. Some providers send
// cumulative text mislabeled as a delta; the prefix checks below normalize
// that case. This heuristic is deliberately confined to this one function.
func resolveDelta(prev, delta string) Resolution {
	switch {
	case prev == "":
		if delta == "" {
			return Resolution{Outcome: OutcomeUnchanged, Snapshot: prev}
		}
		return Resolution{Outcome: OutcomeAppend, Increment: delta, Snapshot: delta}
	case strings.HasPrefix(delta, prev):
		suffix := delta[len(prev):]
		if suffix == "" {
			return Resolution{Outcome: OutcomeUnchanged, Snapshot: prev}
		}
		return Resolution{Outcome: OutcomeAppend, Increment: suffix, Snapshot: delta}
	case strings.HasPrefix(prev, delta):
		// Stale duplicate of text already delivered.
		return Resolution{Outcome: OutcomeUnchanged, Snapshot: prev}
	default:
		return Resolution{Outcome: OutcomeAppend, Increment: delta, Snapshot: prev + delta}
	}
}

// textState holds the stored snapshot for one text channel. Snapshot and
// delta payloads for the channel resolve against the same state.
type textState struct {
	snapshot string
}

func (s *textState) applySnapshot(next string) Resolution {
	res := resolveSnapshot(s.snapshot, next)
	s.snapshot = res.Snapshot
	return res
}

func (s *textState) applyDelta(delta string) Resolution {
	res := resolveDelta(s.snapshot, delta)
	s.snapshot = res.Snapshot
	return res
}
