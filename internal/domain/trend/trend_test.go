package trend

import (
	"errors"
	"testing"

	"github.com/Strob0t/ContentForge/internal/domain"
)

func TestSourceLimit(t *testing.T) {
	if CostLow.SourceLimit() != 1 || CostBalanced.SourceLimit() != 3 || CostHigh.SourceLimit() != 0 {
		t.Fatal("unexpected source limits")
	}
	if CostMode("").SourceLimit() != 3 {
		t.Fatal("empty cost mode should behave like balanced")
	}
}

func TestRequestValidate(t *testing.T) {
	ok := Request{TargetPlatform: "tiktok", Industry: "coffee"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	tests := []Request{
		{TargetPlatform: "myspace", Industry: "coffee"},
		{TargetPlatform: "tiktok"},
		{TargetPlatform: "tiktok", Industry: "coffee", TrendDepth: "bottomless"},
		{TargetPlatform: "tiktok", Industry: "coffee", CalendarDuration: "1y"},
		{TargetPlatform: "tiktok", Industry: "coffee", CostMode: "free"},
	}
	for _, r := range tests {
		if err := r.Validate(); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%+v: expected ErrValidation, got %v", r, err)
		}
	}
}

func TestRequestNormalize(t *testing.T) {
	r := Request{TargetPlatform: "youtube", Industry: "fitness"}
	r.Normalize()
	if r.TrendDepth != DepthStandard || r.CalendarDuration != "1w" || r.CostMode != CostBalanced {
		t.Fatalf("unexpected defaults: %+v", r)
	}
}
