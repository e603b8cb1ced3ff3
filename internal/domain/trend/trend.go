// Package trend defines the trend analysis request and result shapes.
package trend

import (
	"fmt"
	"slices"

	"github.com/Strob0t/ContentForge/internal/domain"
)

// Platforms lists the social platforms content can be planned for.
var Platforms = []string{"tiktok", "instagram", "youtube", "twitter", "linkedin"}

// CostMode trades source coverage for spend.
type CostMode string

const (
	CostLow      CostMode = "low_cost"
	CostBalanced CostMode = "balanced"
	CostHigh     CostMode = "high_quality"
)

// SourceLimit returns how many sources a cost mode may fetch; 0 means all.
func (m CostMode) SourceLimit() int {
	switch m {
	case CostLow:
		return 1
	case CostHigh:
		return 0
	}
	return 3
}

// Depth controls how far back and how wide the research goes.
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Request is the input of the trend-analysis pipeline.
type Request struct {
	TargetPlatform   string   `json:"target_platform"`
	Industry         string   `json:"industry"`
	TrendDepth       Depth    `json:"trend_depth,omitempty"`
	CalendarDuration string   `json:"calendar_duration,omitempty"`
	CostMode         CostMode `json:"cost_mode,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	SourceURLs       []string `json:"source_urls,omitempty"`
	BypassCache      bool     `json:"bypass_cache,omitempty"`
}

// Normalize fills defaults.
func (r *Request) Normalize() {
	if r.TrendDepth == "" {
		r.TrendDepth = DepthStandard
	}
	if r.CalendarDuration == "" {
		r.CalendarDuration = "1w"
	}
	if r.CostMode == "" {
		r.CostMode = CostBalanced
	}
}

// Validate checks the request fields.
func (r *Request) Validate() error {
	if !slices.Contains(Platforms, r.TargetPlatform) {
		return fmt.Errorf("unsupported target_platform %q: %w", r.TargetPlatform, domain.ErrValidation)
	}
	if r.Industry == "" {
		return fmt.Errorf("industry is required: %w", domain.ErrValidation)
	}
	switch r.TrendDepth {
	case "", DepthQuick, DepthStandard, DepthDeep:
	default:
		return fmt.Errorf("unknown trend_depth %q: %w", r.TrendDepth, domain.ErrValidation)
	}
	switch r.CalendarDuration {
	case "", "1w", "2w", "1m":
	default:
		return fmt.Errorf("unknown calendar_duration %q: %w", r.CalendarDuration, domain.ErrValidation)
	}
	switch r.CostMode {
	case "", CostLow, CostBalanced, CostHigh:
	default:
		return fmt.Errorf("unknown cost_mode %q: %w", r.CostMode, domain.ErrValidation)
	}
	return nil
}

// Source is one fetched research document.
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt,omitempty"`
	Text    string `json:"text"`
}

// Item is one trend in a summary.
type Item struct {
	Topic       string   `json:"topic"`
	Momentum    string   `json:"momentum"`
	Description string   `json:"description"`
	Hashtags    []string `json:"hashtags,omitempty"`
}

// Summary is the output of the summarization step.
type Summary struct {
	Trends           []Item   `json:"trends"`
	OverallSentiment string   `json:"overall_sentiment"`
	KeyInsights      []string `json:"key_insights"`
}

// CalendarItem is one planned post.
type CalendarItem struct {
	Date        string   `json:"date"`
	Platform    string   `json:"platform"`
	ContentType string   `json:"content_type"`
	Topic       string   `json:"topic"`
	CaptionIdea string   `json:"caption_idea"`
	Hashtags    []string `json:"hashtags,omitempty"`
}
