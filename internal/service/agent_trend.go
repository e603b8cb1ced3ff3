package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/ContentForge/internal/domain/agent"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/trend"
	"github.com/Strob0t/ContentForge/internal/port/cache"
)

// crawlKeyPrefix namespaces fetched pages in the shared cache.
const crawlKeyPrefix = "crawl:v1:"

const defaultCrawlTTL = time.Hour

// PageFetcher fetches one web page and extracts its readable text.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (trend.Source, error)
}

// FailedSource reports a source that could not be fetched.
type FailedSource struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ResearchResult is the output document of the trend research agent.
type ResearchResult struct {
	Request trend.Request  `json:"request"`
	Sources []trend.Source `json:"sources"`
	Failed  []FailedSource `json:"failed,omitempty"`
}

// TrendResearchAgent is a tool agent: it crawls the sources of a trend
// request instead of calling a model.
type TrendResearchAgent struct {
	fetcher     PageFetcher
	cache       cache.Cache
	ttl         time.Duration
	concurrency int
	defaults    []string
}

// NewTrendResearchAgent creates the research agent. store may be nil to
// disable page caching.
func NewTrendResearchAgent(fetcher PageFetcher, store cache.Cache, concurrency int, defaultSources []string) *TrendResearchAgent {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &TrendResearchAgent{
		fetcher:     fetcher,
		cache:       store,
		ttl:         defaultCrawlTTL,
		concurrency: concurrency,
		defaults:    defaultSources,
	}
}

var trendResearchInputSchema = json.RawMessage(`{
  "type": "object",
  "required": ["target_platform", "industry"],
  "properties": {
    "target_platform": {"type": "string"},
    "industry": {"type": "string"},
    "trend_depth": {"enum": ["quick", "standard", "deep"]},
    "calendar_duration": {"enum": ["1w", "2w", "1m"]},
    "cost_mode": {"enum": ["low_cost", "balanced", "high_quality"]},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "source_urls": {"type": "array", "items": {"type": "string"}},
    "bypass_cache": {"type": "boolean"}
  }
}`)

var trendResearchOutputSchema = json.RawMessage(`{
  "type": "object",
  "required": ["sources"],
  "properties": {
    "sources": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["url", "text"],
        "properties": {
          "url": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "text": {"type": "string"}
        }
      }
    },
    "failed": {"type": "array"}
  }
}`)

var trendResearchOutput = jsonschema.MustCompileString("trend_research.output.json", string(trendResearchOutputSchema))

// Definition implements Agent.
func (a *TrendResearchAgent) Definition() agent.Definition {
	return agent.Definition{
		Name:         string(agent.KindTrendResearch),
		Kind:         agent.KindTrendResearch,
		Description:  "Fetches and extracts the research sources of a trend analysis request.",
		InputSchema:  trendResearchInputSchema,
		OutputSchema: trendResearchOutputSchema,
		CacheTTL:     a.ttl,
	}
}

// Run implements Agent.
func (a *TrendResearchAgent) Run(ctx context.Context, input json.RawMessage) (agent.Output, error) {
	name := string(agent.KindTrendResearch)
	var req trend.Request
	if err := json.Unmarshal(input, &req); err != nil {
		return agent.Output{}, &agent.ValidationError{Agent: name, Stage: "input", Reason: "not JSON: " + err.Error()}
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return agent.Output{}, &agent.ValidationError{Agent: name, Stage: "input", Reason: err.Error()}
	}

	urls := a.selectSources(req)
	if len(urls) == 0 {
		return agent.Output{}, &agent.ValidationError{Agent: name, Stage: "input", Reason: "no source_urls given and no default sources configured"}
	}
	bypass := req.BypassCache || InvocationFrom(ctx).BypassCache

	sources := make([]trend.Source, len(urls))
	errs := make([]error, len(urls))
	hits := make([]bool, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			sources[i], hits[i], errs[i] = a.fetch(gctx, u, bypass)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return agent.Output{}, err
	}

	res := ResearchResult{Request: req, Sources: make([]trend.Source, 0, len(urls))}
	allCached := true
	for i, u := range urls {
		if errs[i] != nil {
			slog.WarnContext(ctx, "trend source failed", "url", u, "error", errs[i])
			res.Failed = append(res.Failed, FailedSource{URL: u, Error: errs[i].Error()})
			continue
		}
		allCached = allCached && hits[i]
		res.Sources = append(res.Sources, sources[i])
	}
	if len(res.Sources) == 0 {
		// Only a batch where every source failed permanently is permanent;
		// the join would otherwise let one bad URL mask transient failures.
		permanent := true
		for _, e := range errs {
			permanent = permanent && failure.IsPermanent(e)
		}
		var err error = fmt.Errorf("%w: all %d trend sources failed: %s",
			failure.ErrExternalAPI, len(urls), errors.Join(errs...).Error())
		if permanent {
			err = &failure.Permanent{Err: err}
		}
		return agent.Output{}, &agent.FailureError{Agent: name, Attempts: 1, Err: err}
	}

	data, err := json.Marshal(res)
	if err != nil {
		return agent.Output{}, fmt.Errorf("marshal research result: %w", err)
	}
	if err := validateDoc(trendResearchOutput, data); err != nil {
		return agent.Output{}, &agent.FailureError{Agent: name, Attempts: 1,
			Err: &agent.ValidationError{Agent: name, Stage: "output", Reason: err.Error()}}
	}
	return agent.Output{Data: data, Cached: allCached, Attempts: 1}, nil
}

// selectSources returns the request's URLs, or the configured defaults,
// deduplicated and capped by the cost mode.
func (a *TrendResearchAgent) selectSources(req trend.Request) []string {
	candidates := req.SourceURLs
	if len(candidates) == 0 {
		candidates = a.defaults
	}
	seen := make(map[string]struct{}, len(candidates))
	urls := make([]string, 0, len(candidates))
	for _, u := range candidates {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	if n := req.CostMode.SourceLimit(); n > 0 && len(urls) > n {
		urls = urls[:n]
	}
	return urls
}

func (a *TrendResearchAgent) fetch(ctx context.Context, url string, bypass bool) (trend.Source, bool, error) {
	key := crawlKeyPrefix + url
	if a.cache != nil && !bypass {
		if data, ok, err := a.cache.Get(ctx, key); err == nil && ok {
			var src trend.Source
			if json.Unmarshal(data, &src) == nil {
				return src, true, nil
			}
		}
	}
	src, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		return trend.Source{}, false, err
	}
	if a.cache != nil {
		if data, err := json.Marshal(src); err == nil {
			if err := a.cache.Set(ctx, key, data, a.ttl); err != nil {
				slog.WarnContext(ctx, "crawl cache write failed", "url", url, "error", err)
			}
		}
	}
	return src, false, nil
}

func validateDoc(schema *jsonschema.Schema, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
