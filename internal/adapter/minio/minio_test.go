package minio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/ContentForge/internal/config"
)

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(config.Storage{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestObjectURL(t *testing.T) {
	s, err := New(config.Storage{Endpoint: "localhost:9000", Bucket: "media", PublicURL: "https://cdn.example.com/"})
	if err != nil {
		t.Fatal(err)
	}
	obj := s.object("videos/v1.mp4", 10, "abc")
	if obj.URL != "https://cdn.example.com/media/videos/v1.mp4" {
		t.Errorf("url = %s", obj.URL)
	}
}

// TestRoundTrip needs a running MinIO; set MINIO_ENDPOINT to enable it.
func TestRoundTrip(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" || testing.Short() {
		t.Skip("MINIO_ENDPOINT not set")
	}
	s, err := New(config.Storage{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "contentforge-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatal(err)
	}

	key := "test/" + filepath.Base(t.Name()) + ".txt"
	if _, found, err := s.Stat(ctx, key+".missing"); err != nil || found {
		t.Fatalf("missing object: found=%v err=%v", found, err)
	}

	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UploadFile(ctx, key, path, "text/plain"); err != nil {
		t.Fatal(err)
	}
	obj, found, err := s.Stat(ctx, key)
	if err != nil || !found {
		t.Fatalf("stat: found=%v err=%v", found, err)
	}
	if obj.Size != 5 {
		t.Errorf("size = %d", obj.Size)
	}
}
