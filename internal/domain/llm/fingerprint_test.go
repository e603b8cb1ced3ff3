package llm

import (
	"strings"
	"testing"
)

func baseRequest() Request {
	return Request{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		System:   "You are a social media strategist.",
		Prompt:   "Suggest three video ideas about home coffee brewing.",
		Params:   Parameters{Temperature: 0.7, MaxTokens: 512},
	}
}

func TestFingerprintStableForEquivalentRequests(t *testing.T) {
	base := Fingerprint(baseRequest())

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"provider case", func(r *Request) { r.Provider = " OpenAI " }},
		{"model case", func(r *Request) { r.Model = "GPT-4o-Mini" }},
		{"extra spaces", func(r *Request) { r.Prompt = "Suggest  three\tvideo ideas about home coffee brewing.  " }},
		{"crlf and blank lines", func(r *Request) { r.Prompt = "\r\nSuggest three video ideas about home coffee brewing.\r\n\r\n" }},
		{"float noise", func(r *Request) { r.Params.Temperature = 0.70000001 }},
		{"requester context", func(r *Request) { r.Requester = RequesterContext{UserID: "u1", RunID: "r1"} }},
		{"bypass flag", func(r *Request) { r.BypassCache = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRequest()
			tt.mutate(&r)
			if got := Fingerprint(r); got != base {
				t.Fatalf("fingerprint changed: %s != %s", got, base)
			}
		})
	}
}

func TestFingerprintDiffersForMeaningfulChanges(t *testing.T) {
	base := Fingerprint(baseRequest())

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"provider", func(r *Request) { r.Provider = "anthropic" }},
		{"model", func(r *Request) { r.Model = "gpt-4o" }},
		{"prompt text", func(r *Request) { r.Prompt = "Suggest four video ideas about home coffee brewing." }},
		{"prompt case", func(r *Request) { r.Prompt = strings.ToUpper(r.Prompt) }},
		{"temperature", func(r *Request) { r.Params.Temperature = 0.2 }},
		{"max tokens", func(r *Request) { r.Params.MaxTokens = 1024 }},
		{"json mode", func(r *Request) { r.Params.JSONMode = true }},
		{"stop", func(r *Request) { r.Params.Stop = []string{"###"} }},
		{"system", func(r *Request) { r.System = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRequest()
			tt.mutate(&r)
			if got := Fingerprint(r); got == base {
				t.Fatal("expected a different fingerprint")
			}
		})
	}
}

func TestFingerprintPrefix(t *testing.T) {
	fp := Fingerprint(baseRequest())
	if !strings.HasPrefix(fp, FingerprintPrefix) {
		t.Fatalf("missing prefix: %s", fp)
	}
	if len(fp) != len(FingerprintPrefix)+64 {
		t.Fatalf("unexpected length %d", len(fp))
	}
}

func TestNormalizeText(t *testing.T) {
	got := NormalizeText("  \n line   one  \r\n\tline two\t\n\n")
	want := "line one\n line two"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFingerprintOmitsParametersThatRoundToZero(t *testing.T) {
	zero := baseRequest()
	zero.Params.Temperature = 0
	want := Fingerprint(zero)

	for _, v := range []float64{0.00001, -0.00004, 0.000049} {
		for name, set := range map[string]func(r *Request){
			"temperature": func(r *Request) { r.Params.Temperature = v },
			"top_p":       func(r *Request) { r.Params.TopP = v },
		} {
			r := zero
			set(&r)
			if got := Fingerprint(r); got != want {
				t.Errorf("%s=%g: fingerprint differs from unset parameter", name, v)
			}
		}
	}
}
