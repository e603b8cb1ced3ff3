package natskv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/ContentForge/internal/port/cache/cachetest"
)

func TestKVKey(t *testing.T) {
	if got := kvKey("llm:v1:abc"); got != "llm.v1.abc" {
		t.Fatalf("kvKey = %q", got)
	}
}

func TestCompliance(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	kv, err := OpenBucket(ctx, js, "test-llm-cache", time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	c := New(kv)
	cachetest.RunComplianceTests(t, c, nil)

	t.Run("PerEntryExpiry", func(t *testing.T) {
		now := time.Now()
		c.now = func() time.Time { return now }
		if err := c.Set(ctx, "exp-key", []byte("v"), time.Second); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := c.Get(ctx, "exp-key"); !ok {
			t.Fatal("expected hit before expiry")
		}
		c.now = func() time.Time { return now.Add(2 * time.Second) }
		if _, ok, _ := c.Get(ctx, "exp-key"); ok {
			t.Fatal("expected miss after expiry")
		}
	})
}
