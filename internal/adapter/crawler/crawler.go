// Package crawler fetches web pages and extracts their readable text.
package crawler

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/trend"
)

// Crawler fetches pages over HTTP.
type Crawler struct {
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
	maxTextLen int
	policy     *bluemonday.Policy
}

// New creates a crawler from config.
func New(cfg config.Crawler) *Crawler {
	return &Crawler{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		userAgent:  cfg.UserAgent,
		maxBytes:   cfg.MaxBytes,
		maxTextLen: cfg.MaxTextLen,
		policy:     bluemonday.StrictPolicy(),
	}
}

// Fetch downloads rawURL and returns its title, excerpt and plain text.
// Client errors are permanent; rate limits, server errors and transport
// failures are reported as retryable external API errors.
func (c *Crawler) Fetch(ctx context.Context, rawURL string) (trend.Source, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return trend.Source{}, &failure.Permanent{Err: fmt.Errorf("invalid url %q: %w", rawURL, failure.ErrExternalAPI)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return trend.Source{}, &failure.Permanent{Err: fmt.Errorf("build request: %w", err)}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return trend.Source{}, fmt.Errorf("fetch %s: %w: %w", u, failure.ErrExternalAPI, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("fetch %s: status %d: %w", u, resp.StatusCode, failure.ErrExternalAPI)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return trend.Source{}, &failure.Permanent{Err: err}
		}
		return trend.Source{}, err
	}

	var body io.Reader = resp.Body
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes)
	}
	article, err := readability.FromReader(body, u)
	if err != nil {
		return trend.Source{}, &failure.Permanent{Err: fmt.Errorf("extract %s: %w: %w", u, failure.ErrExternalAPI, err)}
	}

	src := trend.Source{
		URL:     u.String(),
		Title:   c.clean(article.Title),
		Excerpt: c.clean(article.Excerpt),
		Text:    c.clean(article.TextContent),
	}
	if c.maxTextLen > 0 && len(src.Text) > c.maxTextLen {
		src.Text = truncate(src.Text, c.maxTextLen)
	}
	slog.DebugContext(ctx, "page fetched", "url", src.URL, "text_len", len(src.Text), "duration", time.Since(start))
	return src, nil
}

// clean strips any markup left in s and collapses whitespace.
func (c *Crawler) clean(s string) string {
	s = html.UnescapeString(c.policy.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
