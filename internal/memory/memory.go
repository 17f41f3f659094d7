// Package memory bounds conversation history into the turns a provider sees.
package memory

import (
	"fmt"

	"doc-chat/internal/transcript"
)

// Kind names a memory policy.
type Kind string

const (
	KindSlidingWindow Kind = "sliding_window"
	KindSummary       Kind = "summary"
	KindTokenBudget   Kind = "token_budget"
)

const (
	DefaultWindow    = 5
	DefaultMaxTokens = 5000
)

// Policy selects which prior turns are visible to the provider. Snapshot must be
// a pure function of its input and return an empty slice for empty input.
type Policy interface {
	Kind() Kind
	Snapshot(turns []transcript.Turn) []transcript.Turn
}

// Options carries the parameters used when building a policy by kind.
type Options struct {
	Window    int
	MaxTokens int
}

// New builds the policy for kind, applying defaults for zero parameters.
func New(kind Kind, opts Options) (Policy, error) {
	switch kind {
	case KindSlidingWindow, "":
		n := opts.Window
		if n <= 0 {
			n = DefaultWindow
		}
		return SlidingWindow{Turns: n}, nil
	case KindSummary:
		return SummaryOnly{}, nil
	case KindTokenBudget:
		m := opts.MaxTokens
		if m <= 0 {
			m = DefaultMaxTokens
		}
		return TokenBudget{MaxTokens: m}, nil
	default:
		return nil, fmt.Errorf("unknown memory policy %q (valid: %s, %s, %s)", kind, KindSlidingWindow, KindSummary, KindTokenBudget)
	}
}

// SlidingWindow keeps the last Turns question/answer pairs.
type SlidingWindow struct {
	Turns int
}

func (SlidingWindow) Kind() Kind { return KindSlidingWindow }

func (w SlidingWindow) Snapshot(turns []transcript.Turn) []transcript.Turn {
	limit := 2 * w.Turns
	if limit <= 0 {
		return []transcript.Turn{}
	}
	start := len(turns) - limit
	if start < 0 {
		start = 0
	}
	return clone(turns[start:])
}

// SummaryOnly keeps only the most recent turn. No summarization is performed.
type SummaryOnly struct{}

func (SummaryOnly) Kind() Kind { return KindSummary }

func (SummaryOnly) Snapshot(turns []transcript.Turn) []transcript.Turn {
	if len(turns) == 0 {
		return []transcript.Turn{}
	}
	return clone(turns[len(turns)-1:])
}

// TokenBudget keeps the longest recent suffix whose whitespace-token total fits MaxTokens.
type TokenBudget struct {
	MaxTokens int
}

func (TokenBudget) Kind() Kind { return KindTokenBudget }

func (b TokenBudget) Snapshot(turns []transcript.Turn) []transcript.Turn {
	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		total += turns[i].Tokens()
		if total > b.MaxTokens {
			break
		}
		start = i
	}
	return clone(turns[start:])
}

func clone(turns []transcript.Turn) []transcript.Turn {
	out := make([]transcript.Turn, len(turns))
	copy(out, turns)
	return out
}
