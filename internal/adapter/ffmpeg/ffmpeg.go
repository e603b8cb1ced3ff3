// Package ffmpeg renders media clips by running the ffmpeg binary.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
)

const stderrTail = 2 << 10

// contentTypes maps supported output formats to their MIME type.
var contentTypes = map[string]string{
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mov":  "video/quicktime",
	"gif":  "image/gif",
	"mp3":  "audio/mpeg",
}

// Renderer runs ffmpeg into a working directory.
type Renderer struct {
	binary  string
	workDir string
}

// New creates a renderer. An empty workDir uses the system temp directory.
func New(binary, workDir string) *Renderer {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Renderer{binary: binary, workDir: workDir}
}

// ContentType returns the MIME type of format, or "" when unsupported.
func ContentType(format string) string {
	return contentTypes[strings.ToLower(format)]
}

// Render transcodes p into a new temp file and returns its path. The
// caller removes the file.
func (r *Renderer) Render(ctx context.Context, p job.MediaPayload, format string) (string, error) {
	format = strings.ToLower(format)
	if ContentType(format) == "" {
		return "", &failure.Permanent{Err: fmt.Errorf("unsupported format %q: %w", format, failure.ErrMediaProcessing)}
	}
	out, err := os.CreateTemp(r.workDir, "render-*."+format)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	path := out.Name()
	_ = out.Close()

	cmd := exec.CommandContext(ctx, r.binary, Args(p, path)...) //nolint:gosec // G204: binary comes from operator config
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(path)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ffmpeg %s: %w: %v: %s", p.VideoID, failure.ErrMediaProcessing, err, tail(stderr.Bytes()))
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		_ = os.Remove(path)
		return "", fmt.Errorf("ffmpeg %s produced no output: %w", p.VideoID, failure.ErrMediaProcessing)
	}
	return path, nil
}

// Args builds the ffmpeg argument list; the output path is always last.
func Args(p job.MediaPayload, outPath string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if p.StartSeconds > 0 {
		args = append(args, "-ss", formatSeconds(p.StartSeconds))
	}
	args = append(args, "-i", p.SourceURL)
	if p.DurationSeconds > 0 {
		args = append(args, "-t", formatSeconds(p.DurationSeconds))
	}
	if p.Width > 0 || p.Height > 0 {
		w, h := p.Width, p.Height
		if w == 0 {
			w = -2
		}
		if h == 0 {
			h = -2
		}
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", w, h))
	}
	switch filepath.Ext(outPath) {
	case ".mp4", ".mov":
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", "-movflags", "+faststart")
	case ".webm":
		args = append(args, "-c:v", "libvpx-vp9", "-c:a", "libopus")
	case ".mp3":
		args = append(args, "-vn", "-c:a", "libmp3lame")
	}
	return append(args, outPath)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func tail(b []byte) string {
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}
	return strings.TrimSpace(string(b))
}
