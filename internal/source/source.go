// Package source assembles the system context for a question from an uploaded
// document, a vector index collection and up to two web pages.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"doc-chat/internal/chunker"
	"doc-chat/internal/fetch"
	"doc-chat/internal/index"
)

// MaxURLs is the number of web pages a session may attach.
const MaxURLs = 2

const (
	LabelDocument = "Document content:"
	LabelVector   = "Relevant documents:"
	LabelPage     = "URL content:"
)

var (
	ErrTooManyURLs = fmt.Errorf("at most %d URLs are supported", MaxURLs)
	ErrEmptyPage   = errors.New("page has no readable text")
)

// Fragment is a bounded excerpt from one source, built per question.
type Fragment struct {
	SourceID  string
	Label     string
	Text      string
	Truncated bool
}

// Sources names everything that may contribute context to one question.
type Sources struct {
	URLs        []string
	Document    *string
	VectorQuery string
	Collection  string
}

// Options bounds the size of each fragment.
type Options struct {
	URLChars     int
	PreviewChars int
	PageChars    int // whole-page reads such as summaries
	TopK         int
	MaxTokens    int
}

// DefaultOptions matches the limits used for LLM context.
var DefaultOptions = Options{URLChars: 1000, PreviewChars: 500, PageChars: 12000, TopK: 5, MaxTokens: 3000}

// Gatherer collects fragments. It holds no per-request state and may be shared.
type Gatherer struct {
	fetcher fetch.Fetcher
	index   index.VectorIndex
	opts    Options
	log     *slog.Logger
}

// NewGatherer builds a gatherer. idx may be nil when no vector index is configured.
func NewGatherer(f fetch.Fetcher, idx index.VectorIndex, opts Options, log *slog.Logger) *Gatherer {
	if opts.URLChars <= 0 {
		opts.URLChars = DefaultOptions.URLChars
	}
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = DefaultOptions.PreviewChars
	}
	if opts.PageChars <= 0 {
		opts.PageChars = DefaultOptions.PageChars
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions.TopK
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultOptions.MaxTokens
	}
	return &Gatherer{fetcher: f, index: idx, opts: opts, log: log}
}

// Fragments returns the fragments for src in their fixed order: document,
// vector results, URL1, URL2. URL and vector failures become diagnostic text;
// the only error is an invalid request.
func (g *Gatherer) Fragments(ctx context.Context, src Sources) ([]Fragment, error) {
	urls := nonEmpty(src.URLs)
	if len(urls) > MaxURLs {
		return nil, ErrTooManyURLs
	}

	var (
		vector    *Fragment
		pages     = make([]Fragment, len(urls))
		eg        errgroup.Group
		useVector = g.index != nil && strings.TrimSpace(src.VectorQuery) != "" && src.Collection != ""
	)
	if useVector {
		eg.Go(func() error {
			f := g.vectorFragment(ctx, src.Collection, src.VectorQuery)
			vector = &f
			return nil
		})
	}
	for i, u := range urls {
		eg.Go(func() error {
			pages[i] = g.urlFragment(ctx, i+1, u)
			return nil
		})
	}
	_ = eg.Wait()

	var out []Fragment
	if src.Document != nil {
		out = append(out, Fragment{SourceID: "document", Label: LabelDocument, Text: *src.Document})
	}
	if vector != nil {
		out = append(out, *vector)
	}
	return append(out, pages...), nil
}

// Gather renders the fragments for src into one system context string.
func (g *Gatherer) Gather(ctx context.Context, src Sources) (string, error) {
	frags, err := g.Fragments(ctx, src)
	if err != nil {
		return "", err
	}
	return Render(frags), nil
}

// Render joins labeled fragments with blank lines.
func Render(frags []Fragment) string {
	sections := make([]string, 0, len(frags))
	for _, f := range frags {
		sections = append(sections, f.Label+"\n"+f.Text)
	}
	return strings.Join(sections, "\n\n")
}

// Preview returns the start of a page's text followed by "...", or the
// diagnostic text when the page cannot be fetched.
func (g *Gatherer) Preview(ctx context.Context, url string) string {
	text, err := g.fetcher.FetchText(ctx, url)
	if err != nil {
		g.log.Warn("preview fetch failed", "url", url, "err", err)
		return fetchDiagnostic(err)
	}
	head, _ := firstRunes(text, g.opts.PreviewChars)
	return head + "..."
}

// Page returns the text of one web page bounded by PageChars. Unlike context
// gathering, a failed fetch is an error rather than diagnostic text.
func (g *Gatherer) Page(ctx context.Context, url string) (Fragment, error) {
	text, err := g.fetcher.FetchText(ctx, url)
	if err != nil {
		return Fragment{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Fragment{}, fmt.Errorf("%s: %w", url, ErrEmptyPage)
	}
	f := Fragment{SourceID: url, Label: LabelPage}
	f.Text, f.Truncated = firstRunes(text, g.opts.PageChars)
	return f, nil
}

func (g *Gatherer) urlFragment(ctx context.Context, n int, url string) Fragment {
	f := Fragment{SourceID: url, Label: fmt.Sprintf("URL%d content:", n)}
	text, err := g.fetcher.FetchText(ctx, url)
	if err != nil {
		g.log.Warn("url fetch failed", "url", url, "err", err)
		f.Text = fetchDiagnostic(err)
		return f
	}
	f.Text, f.Truncated = firstRunes(text, g.opts.URLChars)
	return f
}

func (g *Gatherer) vectorFragment(ctx context.Context, collection, query string) Fragment {
	f := Fragment{SourceID: "collection:" + collection, Label: LabelVector}
	hits, err := g.index.Query(ctx, collection, query, g.opts.TopK)
	if err != nil {
		g.log.Warn("vector query failed", "collection", collection, "err", err)
		f.Text = "Error retrieving context: " + err.Error()
		return f
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "From document '%s':\n%s\n\n", h.Source(), h.Text)
	}
	f.Text, f.Truncated = chunker.TruncateTokens(b.String(), g.opts.MaxTokens)
	return f
}

func fetchDiagnostic(err error) string {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		err = fe.Err
	}
	return "Error fetching URL: " + err.Error()
}

func firstRunes(s string, n int) (string, bool) {
	if n <= 0 {
		return s, false
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}

func nonEmpty(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
