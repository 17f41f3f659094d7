package llm

import (
	"strings"

	"doc-chat/internal/transcript"
)

const (
	humanTag     = "\n\nHuman:"
	assistantTag = "\n\nAssistant:"
)

func systemPrompt(context string) string {
	return "You are a helpful assistant. Use the following context to answer questions: " + context
}

// renderHistory flattens turns into "speaker: text" lines for providers that take
// a single prompt string.
func renderHistory(turns []transcript.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, string(t.Speaker)+": "+t.Text)
	}
	return strings.Join(lines, "\n")
}

// completionPrompt builds the Human/Assistant prompt used by the legacy
// completion endpoint.
func completionPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(humanTag)
	b.WriteString(" ")
	b.WriteString(systemPrompt(req.SystemContext))
	if len(req.History) > 0 {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(renderHistory(req.History))
	}
	b.WriteString("\n\n")
	b.WriteString(req.Question)
	b.WriteString(assistantTag)
	return b.String()
}

// generatePrompt builds the single prompt string sent to text-generation endpoints.
func generatePrompt(req Request) string {
	return req.SystemContext + "\n\n" + renderHistory(req.History) + humanTag + " " + req.Question + assistantTag
}
