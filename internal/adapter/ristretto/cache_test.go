package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/adapter/ristretto"
	"github.com/Strob0t/ContentForge/internal/port/cache/cachetest"
)

func TestCompliance(t *testing.T) {
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	cachetest.RunComplianceTests(t, c, c.Wait)
}

func TestValuesAreCopied(t *testing.T) {
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	v := []byte("original")
	_ = c.Set(ctx, "k", v, time.Minute)
	c.Wait()
	v[0] = 'X'

	got, ok, _ := c.Get(ctx, "k")
	if !ok || string(got) != "original" {
		t.Fatalf("expected original, got %q (found=%v)", got, ok)
	}
	got[0] = 'Y'
	again, _, _ := c.Get(ctx, "k")
	if string(again) != "original" {
		t.Fatalf("stored value mutated through Get: %q", again)
	}
}
