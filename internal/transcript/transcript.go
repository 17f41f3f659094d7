// Package transcript holds the ordered conversation record of a session.
package transcript

import (
	"encoding/json"
	"time"

	"doc-chat/internal/chunker"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	User      Speaker = "user"
	Assistant Speaker = "assistant"
	System    Speaker = "system"
)

// Turn is one immutable entry of a conversation.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Tokens returns the whitespace-token count of the turn text.
func (t Turn) Tokens() int {
	return chunker.CountTokens(t.Text)
}

// Transcript is an append-only sequence of turns. It is not safe for concurrent
// use; the owning conversation controller serializes access.
type Transcript struct {
	turns []Turn
	now   func() time.Time
}

// New returns an empty transcript.
func New() *Transcript {
	return &Transcript{now: time.Now}
}

// FromTurns returns a transcript holding a copy of turns.
func FromTurns(turns []Turn) *Transcript {
	t := New()
	t.turns = append([]Turn(nil), turns...)
	return t
}

// Append records a new turn and returns it.
func (t *Transcript) Append(speaker Speaker, text string) Turn {
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	turn := Turn{Speaker: speaker, Text: text, At: now()}
	t.turns = append(t.turns, turn)
	return turn
}

// Turns returns a copy of all turns in conversation order.
func (t *Transcript) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	return len(t.turns)
}

// Last returns the most recent turn, if any.
func (t *Transcript) Last() (Turn, bool) {
	if len(t.turns) == 0 {
		return Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}

// Reset drops every turn.
func (t *Transcript) Reset() {
	t.turns = nil
}

func (t *Transcript) MarshalJSON() ([]byte, error) {
	turns := t.turns
	if turns == nil {
		turns = []Turn{}
	}
	return json.Marshal(turns)
}

func (t *Transcript) UnmarshalJSON(data []byte) error {
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return err
	}
	t.turns = turns
	if t.now == nil {
		t.now = time.Now
	}
	return nil
}
