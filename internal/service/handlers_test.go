package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/agent"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
	"github.com/Strob0t/ContentForge/internal/port/blobstore"
)

// newPipelineHarness shares one store between the composer and the jobs.
func newPipelineHarness(t *testing.T, agents StepRunner) (*jobHarness, *Composer) {
	t.Helper()
	h := newJobHarness(t, nil)
	c, err := NewComposer(h.store, agents, h.bus, nil, config.Composer{MaxParallelPerRun: 2, MaxParallelGlobal: 4})
	if err != nil {
		t.Fatal(err)
	}
	h.jobs.composer = c
	h.pool.Handle(job.KindPipelineRun, PipelineHandler(c))
	return h, c
}

func TestPipelineJobRunsToCompletion(t *testing.T) {
	agents := newFakeAgents()
	h, c := newPipelineHarness(t, agents)
	ctx := context.Background()

	run, j, existed, err := h.jobs.SubmitPipeline(ctx, "u1", "content-generation", json.RawMessage(`{"niche":"coffee"}`), "", "")
	if err != nil || existed {
		t.Fatalf("submit: %v existed=%v", err, existed)
	}
	if j.Kind != job.KindPipelineRun || run.Status != pipeline.RunPending {
		t.Fatalf("job = %+v run = %+v", j, run)
	}

	done := h.drain(t, j.ID)
	if done.Status != job.StatusFinished {
		t.Fatalf("job = %+v", done)
	}
	var res PipelineResult
	if err := json.Unmarshal(done.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.RunID != run.ID || res.Status != pipeline.RunCompleted || res.TokensUsed != 30 {
		t.Fatalf("result = %+v", res)
	}
	stored, _ := c.GetRun(ctx, run.ID)
	if stored.Status != pipeline.RunCompleted {
		t.Fatalf("run = %s", stored.Status)
	}
}

func TestPipelineJobWithFailedRunStillFinishes(t *testing.T) {
	agents := newFakeAgents()
	agents.behavior["ideation"] = failingAgent(&failure.Permanent{Err: errors.New("bad prompt")})
	h, _ := newPipelineHarness(t, agents)

	_, j, _, err := h.jobs.SubmitPipeline(context.Background(), "u1", "content-generation", nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	done := h.drain(t, j.ID)
	var res PipelineResult
	_ = json.Unmarshal(done.Result, &res)
	if done.Status != job.StatusFinished || res.Status != pipeline.RunFailed {
		t.Fatalf("job = %s run = %s", done.Status, res.Status)
	}
}

func TestSubmitPipelineDeduplicates(t *testing.T) {
	h, c := newPipelineHarness(t, newFakeAgents())
	ctx := context.Background()

	run1, job1, existed, err := h.jobs.SubmitPipeline(ctx, "u1", "content-generation", nil, "daily:coffee", "high")
	if err != nil || existed {
		t.Fatalf("first submit: %v %v", err, existed)
	}
	if job1.Priority != job.PriorityHigh {
		t.Errorf("priority = %s", job1.Priority)
	}
	run2, job2, existed, err := h.jobs.SubmitPipeline(ctx, "u1", "content-generation", nil, "daily:coffee", "high")
	if err != nil || !existed {
		t.Fatalf("second submit: %v %v", err, existed)
	}
	if job2.ID != job1.ID || run2.ID != run1.ID {
		t.Fatalf("dedup returned job %s run %s", job2.ID, run2.ID)
	}
	runs, _ := c.ListRuns(ctx, "u1", 10)
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	if n, _ := h.queue.Len(ctx); n != 1 {
		t.Fatalf("queue length = %d", n)
	}
}

func TestSubmitPipelineUnknownTemplate(t *testing.T) {
	h, _ := newPipelineHarness(t, newFakeAgents())
	if _, _, _, err := h.jobs.SubmitPipeline(context.Background(), "u1", "nope", nil, "", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestCancelQueuedPipelineJobCancelsRun(t *testing.T) {
	agents := newFakeAgents()
	h, c := newPipelineHarness(t, agents)
	ctx := context.Background()

	run, j, _, err := h.jobs.SubmitPipeline(ctx, "u1", "content-generation", nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := h.jobs.Cancel(ctx, j.ID)
	if err != nil || cancelled.Status != job.StatusCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	stored, _ := c.GetRun(ctx, run.ID)
	if stored.Status != pipeline.RunCancelled {
		t.Fatalf("run = %s", stored.Status)
	}
	_, _ = h.pool.ProcessOne(ctx)
	if len(agents.calls()) != 0 {
		t.Fatalf("agents ran: %v", agents.calls())
	}
}

func TestCancelRunningPipelineJob(t *testing.T) {
	agents := newFakeAgents()
	h, _ := newPipelineHarness(t, agents)
	ctx := context.Background()
	var jobID string
	agents.behavior["ideation"] = func(ctx context.Context, _ json.RawMessage) (agent.Output, error) {
		if _, err := h.jobs.Cancel(ctx, jobID); err != nil {
			t.Error(err)
		}
		return agent.Output{Data: json.RawMessage(`{"ideas":["i1"]}`), Attempts: 1}, nil
	}

	_, j, _, err := h.jobs.SubmitPipeline(ctx, "u1", "content-generation", nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	jobID = j.ID
	done := h.drain(t, j.ID)
	if done.Status != job.StatusCancelled || done.Error.Kind != failure.KindCancelled {
		t.Fatalf("job = %+v", done)
	}
	if got := strings.Join(agents.calls(), ","); got != "ideation" {
		t.Fatalf("calls = %s", got)
	}
}

func TestCrawlHandler(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{"https://down.example": fmt.Errorf("%w: 503", failure.ErrExternalAPI)}}
	h := CrawlHandler(f)

	out, err := h.Handle(context.Background(), &job.Job{Payload: json.RawMessage(`{"url":"https://ok.example"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "body of https://ok.example") {
		t.Errorf("result = %s", out)
	}
	_, err = h.Handle(context.Background(), &job.Job{Payload: json.RawMessage(`{"url":"https://down.example"}`)})
	if err == nil || failure.IsPermanent(err) {
		t.Errorf("fetch failure should be retryable: %v", err)
	}
	_, err = h.Handle(context.Background(), &job.Job{Payload: json.RawMessage(`{}`)})
	if !failure.IsPermanent(err) {
		t.Errorf("missing url should be permanent: %v", err)
	}
}

type fakeRenderer struct {
	dir   string
	calls int
	err   error
}

func (r *fakeRenderer) Render(_ context.Context, p job.MediaPayload, format string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	path := filepath.Join(r.dir, p.VideoID+"."+format)
	return path, os.WriteFile(path, []byte("frames"), 0o600)
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string]blobstore.Object
	types   map[string]string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string]blobstore.Object{}, types: map[string]string{}}
}

func (b *fakeBlobs) Stat(_ context.Context, key string) (blobstore.Object, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	return o, ok, nil
}

func (b *fakeBlobs) UploadFile(_ context.Context, key, localPath, contentType string) (blobstore.Object, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return blobstore.Object{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o := blobstore.Object{Bucket: "media", Key: key, Size: fi.Size()}
	b.objects[key] = o
	b.types[key] = contentType
	return o, nil
}

func mediaJob(payload string) *job.Job {
	return &job.Job{ID: "j1", Kind: job.KindMediaTask, Payload: json.RawMessage(payload)}
}

func TestMediaHandlerRendersOnce(t *testing.T) {
	r := &fakeRenderer{dir: t.TempDir()}
	blobs := newFakeBlobs()
	h := NewMediaHandler(r, blobs, "", func(string) string { return "video/mp4" })
	j := mediaJob(`{"video_id":"v1","source_url":"https://cdn.example/v1.mov","duration_seconds":15}`)

	out, err := h.Handle(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}
	var res MediaResult
	_ = json.Unmarshal(out, &res)
	if res.Reused || res.Object.Size != 6 || !strings.HasPrefix(res.Object.Key, "media/v1/") || !strings.HasSuffix(res.Object.Key, ".mp4") {
		t.Fatalf("result = %+v", res)
	}
	if blobs.types[res.Object.Key] != "video/mp4" {
		t.Errorf("content type = %q", blobs.types[res.Object.Key])
	}
	if _, err := os.Stat(filepath.Join(r.dir, "v1.mp4")); !os.IsNotExist(err) {
		t.Error("rendered temp file was not removed")
	}

	// Redelivery finds the upload and skips rendering.
	out, err = h.Handle(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}
	_ = json.Unmarshal(out, &res)
	if !res.Reused || r.calls != 1 {
		t.Fatalf("reused = %v, renders = %d", res.Reused, r.calls)
	}
}

func TestMediaHandlerErrors(t *testing.T) {
	blobs := newFakeBlobs()
	h := NewMediaHandler(&fakeRenderer{dir: t.TempDir()}, blobs, "mp4", func(string) string { return "" })
	if _, err := h.Handle(context.Background(), mediaJob(`{"source_url":"x"}`)); !failure.IsPermanent(err) {
		t.Errorf("invalid payload should be permanent: %v", err)
	}

	renderErr := fmt.Errorf("ffmpeg: %w", failure.ErrMediaProcessing)
	h = NewMediaHandler(&fakeRenderer{err: renderErr}, blobs, "mp4", func(string) string { return "" })
	_, err := h.Handle(context.Background(), mediaJob(`{"video_id":"v2","source_url":"x"}`))
	if !errors.Is(err, failure.ErrMediaProcessing) || failure.IsPermanent(err) {
		t.Errorf("render error = %v", err)
	}
}

func TestMediaObjectKeyIsDeterministic(t *testing.T) {
	p := job.MediaPayload{VideoID: "v1", SourceURL: "https://cdn.example/a", DurationSeconds: 10}
	a := MediaObjectKey(p, "mp4")
	if a != MediaObjectKey(p, "mp4") {
		t.Fatal("key changed between calls")
	}
	p.DurationSeconds = 11
	if a == MediaObjectKey(p, "mp4") {
		t.Fatal("different clips share a key")
	}
	if a == MediaObjectKey(job.MediaPayload{VideoID: "v1", SourceURL: "https://cdn.example/a", DurationSeconds: 10}, "webm") {
		t.Fatal("different formats share a key")
	}
}

func TestPipelineHandlerRejectsBadPayload(t *testing.T) {
	c, _, _ := newTestComposer(t, newFakeAgents())
	_, err := PipelineHandler(c).Handle(context.Background(), &job.Job{Payload: json.RawMessage(`{}`)})
	if !failure.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
