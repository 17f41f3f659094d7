package conversation

import (
	"time"

	"github.com/google/uuid"

	"doc-chat/internal/llm"
	"doc-chat/internal/memory"
	"doc-chat/internal/transcript"
)

// Document is the last successfully processed upload of a session.
type Document struct {
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

// Settings are the user-selected options of a session.
type Settings struct {
	Provider   llm.Provider `json:"provider"`
	Tier       llm.Tier     `json:"tier"`
	Memory     memory.Kind  `json:"memory"`
	URLs       []string     `json:"urls"`
	Collection string       `json:"collection,omitempty"`
}

// Session is everything that defines one conversation. It is mutated only by
// its Controller and can be serialized as a whole.
type Session struct {
	ID uuid.UUID `json:"id"`
	Settings
	Document   *Document              `json:"document,omitempty"`
	Transcript *transcript.Transcript `json:"transcript"`
	State      State                  `json:"state"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewSession starts an idle session with an empty transcript.
func NewSession(settings Settings) *Session {
	if settings.Tier == "" {
		settings.Tier = llm.TierBasic
	}
	if settings.Memory == "" {
		settings.Memory = memory.KindSlidingWindow
	}
	settings.URLs = append([]string(nil), settings.URLs...)
	return &Session{
		ID:         uuid.New(),
		Settings:   settings,
		Transcript: transcript.New(),
		State:      StateIdle,
		CreatedAt:  time.Now().UTC(),
	}
}

func (s *Session) clone() Session {
	out := *s
	out.URLs = append([]string(nil), s.URLs...)
	if s.Document != nil {
		doc := *s.Document
		out.Document = &doc
	}
	out.Transcript = transcript.FromTurns(s.Transcript.Turns())
	return out
}
