package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
)

const page = `<!DOCTYPE html>
<html><head><title>Short-form video trends &amp; tips</title>
<meta name="description" content="What is working on TikTok this week"></head>
<body>
<nav><a href="/">Home</a></nav>
<article>
<h1>Short-form video trends &amp; tips</h1>
<p>Creators in the fitness niche are leaning into day-in-the-life formats. Short hooks under two seconds
keep retention high, and trending audio still drives discovery for smaller accounts.</p>
<p>Educational carousels are also growing. Brands that explain one concept per post see better saves
and shares than brands that post generic motivation. <script>alert(1)</script></p>
<p>Posting cadence matters less than consistency. Accounts that publish three times a week on a fixed
schedule outperform accounts that post daily for a week and then go quiet, because the recommendation
systems reward predictable engagement patterns over short bursts of activity from the same creator.</p>
<p>Expect more duet and stitch chains as platforms push collaborative features to the top of the feed.</p>
</article>
</body></html>`

func testCrawler() *Crawler {
	cfg := config.Defaults().Crawler
	cfg.Timeout = 5 * time.Second
	return New(cfg)
}

func TestFetchExtractsText(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	src, err := testCrawler().Fetch(context.Background(), srv.URL+"/post")
	if err != nil {
		t.Fatal(err)
	}
	if ua != "ContentForgeBot/1.0" {
		t.Errorf("user agent = %q", ua)
	}
	if !strings.Contains(src.Title, "Short-form video trends & tips") {
		t.Errorf("title = %q", src.Title)
	}
	if !strings.Contains(src.Text, "day-in-the-life") {
		t.Errorf("text = %q", src.Text)
	}
	if strings.Contains(src.Text, "<") || strings.Contains(src.Text, "alert(1)") {
		t.Errorf("text still contains markup or script: %q", src.Text)
	}
}

func TestFetchStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusNotFound, true},
		{http.StatusForbidden, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := testCrawler().Fetch(context.Background(), srv.URL)
		srv.Close()
		if !errors.Is(err, failure.ErrExternalAPI) {
			t.Errorf("status %d: err = %v, want external api error", tt.status, err)
		}
		if got := failure.IsPermanent(err); got != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, got, tt.permanent)
		}
	}
}

func TestFetchRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/x", "not a url", "http://"} {
		_, err := testCrawler().Fetch(context.Background(), raw)
		if !failure.IsPermanent(err) {
			t.Errorf("Fetch(%q) err = %v, want permanent", raw, err)
		}
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	s := "héllo"
	if got := truncate(s, 2); got != "h" {
		t.Errorf("truncate = %q, want %q", got, "h")
	}
	if got := truncate(s, 10); got != s {
		t.Errorf("truncate = %q", got)
	}
}
