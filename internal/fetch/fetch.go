// Package fetch downloads web pages and reduces them to visible text.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"doc-chat/internal/cache"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 5 << 20
)

// Error reports a URL that could not be fetched or parsed.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher returns the visible text of a page.
type Fetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// HTTPFetcher fetches pages over HTTP and strips markup.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher with the given timeout (15s when zero).
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) FetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &Error{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", "doc-chat/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	text, err := ExtractText(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", &Error{URL: url, Err: err}
	}
	return text, nil
}

// ExtractText parses HTML, drops script and style subtrees and returns the remaining
// text with all whitespace runs collapsed to single spaces.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " "), nil
}

// CachedFetcher serves page text from a cache and fills it on successful fetches.
// Failures are never cached.
type CachedFetcher struct {
	next  Fetcher
	cache cache.PageCache
	ttl   time.Duration
	log   *slog.Logger
}

func NewCachedFetcher(next Fetcher, c cache.PageCache, ttl time.Duration, log *slog.Logger) *CachedFetcher {
	return &CachedFetcher{next: next, cache: c, ttl: ttl, log: log}
}

func (f *CachedFetcher) FetchText(ctx context.Context, url string) (string, error) {
	text, found, err := f.cache.GetPage(ctx, url)
	if err != nil {
		f.log.Warn("page cache read failed", "url", url, "err", err)
	} else if found {
		return text, nil
	}

	text, err = f.next.FetchText(ctx, url)
	if err != nil {
		return "", err
	}
	if err := f.cache.SetPage(ctx, url, text, f.ttl); err != nil {
		f.log.Warn("page cache write failed", "url", url, "err", err)
	}
	return text, nil
}
