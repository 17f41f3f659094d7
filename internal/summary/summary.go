// Package summary condenses a single web page with one of the chat providers.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"doc-chat/internal/llm"
	"doc-chat/internal/source"
)

// Style is the shape of the summary.
type Style string

const (
	StyleShort    Style = "short"
	StyleDetailed Style = "detailed"
	StyleBullets  Style = "bullet_points"
)

// Language is the output language of the summary.
type Language string

const (
	English Language = "English"
	French  Language = "French"
	Spanish Language = "Spanish"
)

var (
	ErrInvalidStyle    = errors.New("invalid summary style (valid: short, detailed, bullet_points)")
	ErrInvalidLanguage = errors.New("invalid language (valid: English, French, Spanish)")
	ErrMissingURL      = errors.New("url is required")
)

func (s Style) phrase() (string, error) {
	switch s {
	case StyleShort, "":
		return "short summary", nil
	case StyleDetailed:
		return "detailed summary", nil
	case StyleBullets:
		return "summary as bullet points", nil
	}
	return "", ErrInvalidStyle
}

// ParseLanguage accepts a language name in any case. Empty means English.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "english":
		return English, nil
	case "french":
		return French, nil
	case "spanish":
		return Spanish, nil
	}
	return "", ErrInvalidLanguage
}

// Request describes one summary.
type Request struct {
	URL      string
	Style    Style
	Language Language
	Provider llm.Provider
	Tier     llm.Tier
}

// Result is a finished summary.
type Result struct {
	URL       string       `json:"url"`
	Style     Style        `json:"style"`
	Language  Language     `json:"language"`
	Provider  llm.Provider `json:"provider"`
	Tier      llm.Tier     `json:"tier"`
	Truncated bool         `json:"truncated"`
	Summary   string       `json:"summary"`
}

// PageReader returns the bounded text of one page, failing on fetch errors.
type PageReader interface {
	Page(ctx context.Context, url string) (source.Fragment, error)
}

// ProviderSelector resolves a provider to an adapter.
type ProviderSelector interface {
	Select(p llm.Provider) (llm.Adapter, error)
}

type Summarizer struct {
	pages     PageReader
	providers ProviderSelector
	log       *slog.Logger
}

func New(pages PageReader, providers ProviderSelector, log *slog.Logger) *Summarizer {
	if log == nil {
		log = slog.Default()
	}
	return &Summarizer{pages: pages, providers: providers, log: log}
}

// Start validates req, reads the page and opens the provider stream. Problems
// with the request, the provider choice or the page are returned directly;
// generation failures arrive through the stream. res is filled in except for
// Summary.
func (s *Summarizer) Start(ctx context.Context, req Request) (*llm.Stream, Result, error) {
	res := Result{URL: strings.TrimSpace(req.URL), Style: req.Style, Provider: req.Provider, Tier: req.Tier}
	if res.URL == "" {
		return nil, res, ErrMissingURL
	}
	if res.Style == "" {
		res.Style = StyleShort
	}
	if res.Tier == "" {
		res.Tier = llm.TierBasic
	}
	phrase, err := res.Style.phrase()
	if err != nil {
		return nil, res, err
	}
	if res.Language, err = ParseLanguage(string(req.Language)); err != nil {
		return nil, res, err
	}
	adapter, err := s.providers.Select(res.Provider)
	if err != nil {
		return nil, res, err
	}

	page, err := s.pages.Page(ctx, res.URL)
	if err != nil {
		return nil, res, fmt.Errorf("read page: %w", err)
	}
	res.Truncated = page.Truncated

	s.log.Info("summarizing page", "url", res.URL, "provider", res.Provider, "tier", res.Tier, "style", res.Style, "language", res.Language)
	stream := adapter.Generate(ctx, llm.Request{
		Provider:      res.Provider,
		Tier:          res.Tier,
		SystemContext: source.Render([]source.Fragment{page}),
		Question:      fmt.Sprintf("Please provide a %s of the URL content in %s.", phrase, res.Language),
	})
	return stream, res, nil
}

// Summarize runs Start and waits for the full summary.
func (s *Summarizer) Summarize(ctx context.Context, req Request) (Result, error) {
	stream, res, err := s.Start(ctx, req)
	if err != nil {
		return res, err
	}
	text, err := llm.Collect(stream)
	if err != nil {
		return res, err
	}
	if res.Summary, err = Finish(res.Provider, text); err != nil {
		return res, err
	}
	return res, nil
}

// Finish trims a generated summary. An empty summary is a provider failure.
func Finish(p llm.Provider, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &llm.ProviderError{Provider: p, Message: "empty summary"}
	}
	return text, nil
}
