package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"regexp"
	"strings"
)

// FingerprintPrefix namespaces cache keys and is bumped whenever the
// canonical form changes.
const FingerprintPrefix = "llm:v1:"

// floatPrecision is the number of decimal places kept for float parameters.
const floatPrecision = 4

var horizontalSpace = regexp.MustCompile(`[ \t]+`)

// Fingerprint returns the deterministic cache key of r. Requests that only
// differ in semantically irrelevant whitespace, provider/model casing,
// float noise beyond four decimals or requester context share a key.
func Fingerprint(r Request) string {
	// encoding/json sorts map keys, which gives a stable key order.
	canon := map[string]any{
		"provider": strings.ToLower(strings.TrimSpace(r.Provider)),
		"model":    strings.ToLower(strings.TrimSpace(r.Model)),
		"prompt":   NormalizeText(r.Prompt),
	}
	if s := NormalizeText(r.System); s != "" {
		canon["system"] = s
	}
	params := map[string]any{}
	// Zero is checked after rounding so sub-precision noise is omitted too.
	if t := roundFloat(r.Params.Temperature); t != 0 {
		params["temperature"] = t
	}
	if p := roundFloat(r.Params.TopP); p != 0 {
		params["top_p"] = p
	}
	if r.Params.MaxTokens != 0 {
		params["max_tokens"] = r.Params.MaxTokens
	}
	if len(r.Params.Stop) > 0 {
		params["stop"] = r.Params.Stop
	}
	if r.Params.JSONMode {
		params["json_mode"] = true
	}
	if len(params) > 0 {
		canon["parameters"] = params
	}

	data, _ := json.Marshal(canon) // map of plain values cannot fail
	sum := sha256.Sum256(data)
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// NormalizeText collapses runs of spaces and tabs, unifies line endings,
// trims trailing whitespace per line and drops leading and trailing blank
// lines. Letter case is preserved because it can change model output.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(horizontalSpace.ReplaceAllString(line, " "), " ")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n ")
}

func roundFloat(f float64) float64 {
	p := math.Pow(10, floatPrecision)
	return math.Round(f*p) / p
}
