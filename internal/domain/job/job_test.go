package job

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Strob0t/ContentForge/internal/domain"
)

func TestPriorityJSON(t *testing.T) {
	for _, p := range Priorities {
		b, err := json.Marshal(p)
		if err != nil {
			t.Fatal(err)
		}
		var got Priority
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatal(err)
		}
		if got != p {
			t.Fatalf("round trip %s: got %s", p, got)
		}
	}
	var p Priority
	if err := json.Unmarshal([]byte(`"urgent"`), &p); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDefaultPriority(t *testing.T) {
	if DefaultPriority(KindMediaTask) != PriorityHigh {
		t.Fatal("media tasks should default to high priority")
	}
	if DefaultPriority(KindPipelineRun) != PriorityNormal {
		t.Fatal("pipeline runs should default to normal priority")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusQueued: false, StatusStarted: false, StatusRetrying: false,
		StatusFinished: true, StatusFailed: true, StatusCancelled: true,
	}
	for s, want := range terminal {
		if s.IsTerminal() != want {
			t.Fatalf("%s: expected terminal=%v", s, want)
		}
	}
}

func TestMediaPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload MediaPayload
		wantErr bool
	}{
		{"ok", MediaPayload{VideoID: "abc", SourceURL: "https://cdn.example/abc.mp4"}, false},
		{"missing id", MediaPayload{SourceURL: "https://cdn.example/abc.mp4"}, true},
		{"missing source", MediaPayload{VideoID: "abc"}, true},
		{"negative", MediaPayload{VideoID: "abc", SourceURL: "x", Width: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
