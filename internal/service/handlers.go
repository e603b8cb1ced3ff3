package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
	"github.com/Strob0t/ContentForge/internal/port/blobstore"
)

// PipelineResult is the result document of a pipeline_run job.
type PipelineResult struct {
	RunID            string             `json:"run_id"`
	Status           pipeline.RunStatus `json:"status"`
	TokensUsed       int                `json:"tokens_used"`
	CostUSD          float64            `json:"cost_usd"`
	CompletionTimeMS int64              `json:"completion_time_ms"`
}

// PipelineHandler executes pipeline_run jobs through the Composer. A run
// that ends failed is still a finished job; its error lives on the run.
func PipelineHandler(c *Composer) JobHandler {
	return JobHandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		var p job.PipelinePayload
		if err := json.Unmarshal(j.Payload, &p); err != nil || p.RunID == "" {
			return nil, &failure.Permanent{Err: fmt.Errorf("pipeline payload needs run_id: %w", domain.ErrValidation)}
		}
		run, err := c.Execute(ctx, p.RunID)
		if err != nil {
			return nil, err
		}
		if run.Status == pipeline.RunCancelled {
			return nil, &failure.Permanent{Err: fmt.Errorf("run %s: %w", run.ID, failure.ErrCancelled)}
		}
		return json.Marshal(PipelineResult{
			RunID:            run.ID,
			Status:           run.Status,
			TokensUsed:       run.TokensUsed,
			CostUSD:          run.CostUSD,
			CompletionTimeMS: run.CompletionTimeMS,
		})
	})
}

// CrawlHandler executes crawl_task jobs.
func CrawlHandler(fetcher PageFetcher) JobHandler {
	return JobHandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		var p job.CrawlPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil || p.URL == "" {
			return nil, &failure.Permanent{Err: fmt.Errorf("crawl payload needs url: %w", domain.ErrValidation)}
		}
		src, err := fetcher.Fetch(ctx, p.URL)
		if err != nil {
			return nil, err
		}
		return json.Marshal(src)
	})
}

// MediaRenderer turns a media payload into a local file.
type MediaRenderer interface {
	Render(ctx context.Context, p job.MediaPayload, format string) (string, error)
}

// MediaResult is the result document of a media_task job.
type MediaResult struct {
	VideoID string           `json:"video_id"`
	Object  blobstore.Object `json:"object"`
	Reused  bool             `json:"reused"`
}

// MediaHandler renders media_task jobs and uploads them. The object key is
// derived from the payload, so a redelivered job finds its earlier upload
// and skips the render.
type MediaHandler struct {
	renderer      MediaRenderer
	blobs         blobstore.Store
	defaultFormat string
	contentType   func(format string) string
}

// NewMediaHandler creates the media handler.
func NewMediaHandler(renderer MediaRenderer, blobs blobstore.Store, defaultFormat string, contentType func(string) string) *MediaHandler {
	if defaultFormat == "" {
		defaultFormat = "mp4"
	}
	return &MediaHandler{renderer: renderer, blobs: blobs, defaultFormat: defaultFormat, contentType: contentType}
}

// Handle implements JobHandler.
func (h *MediaHandler) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	var p job.MediaPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, &failure.Permanent{Err: fmt.Errorf("media payload: %w", domain.ErrValidation)}
	}
	if err := p.Validate(); err != nil {
		return nil, &failure.Permanent{Err: err}
	}
	format := p.Format
	if format == "" {
		format = h.defaultFormat
	}
	key := MediaObjectKey(p, format)

	obj, found, err := h.blobs.Stat(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w: %w", key, failure.ErrExternalAPI, err)
	}
	if found {
		slog.InfoContext(ctx, "media already rendered", "job_id", j.ID, "key", key)
		return json.Marshal(MediaResult{VideoID: p.VideoID, Object: obj, Reused: true})
	}

	path, err := h.renderer.Render(ctx, p, format)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "remove rendered file", "path", path, "error", err)
		}
	}()

	obj, err = h.blobs.UploadFile(ctx, key, path, h.contentType(format))
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w: %w", key, failure.ErrExternalAPI, err)
	}
	slog.InfoContext(ctx, "media uploaded", "job_id", j.ID, "key", key, "size", obj.Size)
	return json.Marshal(MediaResult{VideoID: p.VideoID, Object: obj})
}

// MediaObjectKey is the deterministic storage key of a rendered clip.
func MediaObjectKey(p job.MediaPayload, format string) string {
	canon, _ := json.Marshal(struct {
		Source   string  `json:"s"`
		Start    float64 `json:"a"`
		Duration float64 `json:"d"`
		Width    int     `json:"w"`
		Height   int     `json:"h"`
		Format   string  `json:"f"`
	}{p.SourceURL, p.StartSeconds, p.DurationSeconds, p.Width, p.Height, format})
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("media/%s/%s.%s", p.VideoID, hex.EncodeToString(sum[:8]), format)
}
