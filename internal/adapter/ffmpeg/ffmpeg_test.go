package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"

	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
)

func TestArgs(t *testing.T) {
	tests := []struct {
		name string
		p    job.MediaPayload
		out  string
		want []string
	}{
		{
			name: "plain copy",
			p:    job.MediaPayload{SourceURL: "in.mov"},
			out:  "o.webm",
			want: []string{"-hide_banner", "-loglevel", "error", "-y", "-i", "in.mov", "-c:v", "libvpx-vp9", "-c:a", "libopus", "o.webm"},
		},
		{
			name: "clip and scale",
			p:    job.MediaPayload{SourceURL: "in.mov", StartSeconds: 1.5, DurationSeconds: 10, Width: 720},
			out:  "o.gif",
			want: []string{"-hide_banner", "-loglevel", "error", "-y", "-ss", "1.500", "-i", "in.mov", "-t", "10.000", "-vf", "scale=720:-2", "o.gif"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Args(tt.p, tt.out); !slices.Equal(got, tt.want) {
				t.Errorf("Args =\n %v\nwant\n %v", got, tt.want)
			}
		})
	}
}

func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o700); err != nil { //nolint:gosec // test helper
		t.Fatal(err)
	}
	return path
}

func TestRenderWritesOutput(t *testing.T) {
	// The fake writes to its last argument, like ffmpeg.
	bin := fakeBinary(t, `for last; do :; done; printf 'data' > "$last"`)
	r := New(bin, t.TempDir())

	path, err := r.Render(context.Background(), job.MediaPayload{VideoID: "v1", SourceURL: "in.mov"}, "mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(path)
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "data" {
		t.Fatalf("output = %q, err = %v", b, err)
	}
}

func TestRenderFailure(t *testing.T) {
	bin := fakeBinary(t, `echo "bad input" >&2; exit 1`)
	dir := t.TempDir()
	r := New(bin, dir)

	_, err := r.Render(context.Background(), job.MediaPayload{VideoID: "v1", SourceURL: "in.mov"}, "mp4")
	if !errors.Is(err, failure.ErrMediaProcessing) {
		t.Fatalf("err = %v, want media processing error", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp output not removed: %d files left", len(entries))
	}
}

func TestRenderUnsupportedFormat(t *testing.T) {
	_, err := New("ffmpeg", "").Render(context.Background(), job.MediaPayload{VideoID: "v"}, "avi")
	if !failure.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}
